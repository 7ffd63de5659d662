package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventToStateTransitionTable(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want Transition
	}{
		{"connect", Event{PrevState: Disconnected, State: Connected}, TR1Connected},
		{"disconnect", Event{PrevState: Connected, State: Disconnected}, TR2Disconnected},
		{"dl-start", Event{PrevState: Connected, State: ActiveDL}, TR3DLStart},
		{"dlul-stop", Event{PrevState: ActiveDLUL, State: Connected}, TR4DLULStop},
		{"dl-stop", Event{PrevState: ActiveDL, State: Connected}, TR4DLULStop},
		{"ul-start", Event{PrevState: ActiveDL, State: ActiveDLUL}, TR12ULStart},
		{"ul-stop", Event{PrevState: ActiveDLUL, State: ActiveDL}, TR11ULStop},
		{"reset", Event{PrevState: Connected, State: Disconnected, MsgType: EventReset}, TR10Reset},
		{"no-change", Event{PrevState: Connected, State: Connected}, TR0NoChange},
		{"timing-update-dlul", Event{PrevState: ActiveDLUL, State: ActiveDLUL, MsgType: fromMessageType(4)}, TR7TimingUpdate},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, EventToStateTransition(c.ev))
		})
	}
}
