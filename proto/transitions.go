package proto

import "github.com/maemo-leste/libcmtspeechdata/codec"

// EventToStateTransition classifies an already-processed Event into one of
// the named state transitions. It is a pure function of the event so it
// can run well after HandleCommand returned, e.g. from a logging sink.
func EventToStateTransition(ev Event) Transition {
	if ev.MsgType == EventReset {
		return TR10Reset
	}

	if ev.PrevState == ev.State {
		if ev.MsgType == fromMessageType(codec.TimingConfigNTF) {
			switch ev.State {
			case ActiveDL:
				return TR6TimingUpdate
			case ActiveDLUL:
				return TR7TimingUpdate
			}
		}
		if ev.SpeechConfigReq != nil {
			return TR5ParamUpdate
		}
		return TR0NoChange
	}

	switch {
	case ev.PrevState == Disconnected && ev.State == Connected:
		return TR1Connected
	case ev.PrevState == Connected && ev.State == Disconnected:
		return TR2Disconnected
	case ev.PrevState == Connected && ev.State == ActiveDL:
		return TR3DLStart
	case (ev.PrevState == ActiveDL || ev.PrevState == ActiveDLUL) && ev.State == Connected:
		return TR4DLULStop
	case ev.PrevState == ActiveDL && ev.State == ActiveDLUL:
		return TR12ULStart
	case ev.PrevState == ActiveDLUL && ev.State == ActiveDL:
		return TR11ULStop
	default:
		return TRInvalid
	}
}
