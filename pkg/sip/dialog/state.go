package dialog

// State состояние диалога по RFC 3261 Section 12.
//
// Переходы монотонные: NULL может перейти в любое состояние,
// EARLY -> CONFIRMED|TERMINATED, CONFIRMED -> TERMINATED,
// TERMINATED поглощающее.
type State int

const (
	// StateNull диалог создан, но ни один ответ с удаленным тегом
	// еще не обработан.
	StateNull State = iota
	// StateEarly получен предварительный ответ с to-тегом.
	StateEarly
	// StateConfirmed получен финальный 2xx ответ.
	StateConfirmed
	// StateTerminated диалог завершен. Поглощающее состояние.
	StateTerminated
)

// Имена состояний и событий конечного автомата.
const (
	fsmStateNull       = "null"
	fsmStateEarly      = "early"
	fsmStateConfirmed  = "confirmed"
	fsmStateTerminated = "terminated"

	fsmEventEarly     = "early"
	fsmEventConfirm   = "confirm"
	fsmEventTerminate = "terminate"
)

func (s State) String() string {
	switch s {
	case StateNull:
		return fsmStateNull
	case StateEarly:
		return fsmStateEarly
	case StateConfirmed:
		return fsmStateConfirmed
	case StateTerminated:
		return fsmStateTerminated
	default:
		return "unknown"
	}
}

func stateFromFSM(s string) State {
	switch s {
	case fsmStateNull:
		return StateNull
	case fsmStateEarly:
		return StateEarly
	case fsmStateConfirmed:
		return StateConfirmed
	case fsmStateTerminated:
		return StateTerminated
	default:
		return StateNull
	}
}
