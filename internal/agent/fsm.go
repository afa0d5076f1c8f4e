package agent

// State 表示智能体所处的状态。
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateRunning         State = "RUNNING"
	StateWaiting         State = "WAITING"
	StatePartialReducing State = "PARTIAL_REDUCING"
	StateEmergencyExit   State = "EMERGENCY_EXIT"
	StateStopped         State = "STOPPED"
)

// Event 驱动状态转移。
type Event string

const (
	EventStart           Event = "START"
	EventStop            Event = "STOP"
	EventFundsLow        Event = "FUNDS_LOW"
	EventFundsSufficient Event = "FUNDS_SUFFICIENT"
	EventRiskMedium      Event = "RISK_MEDIUM"
	EventRiskHigh        Event = "RISK_HIGH"
	EventRiskResolved    Event = "RISK_RESOLVED"
	EventUserEmergency   Event = "USER_EMERGENCY"
)

var transitions = map[State]map[Event]State{
	StateInitializing: {
		EventStart: StateRunning,
	},
	StateRunning: {
		EventStop:          StateStopped,
		EventFundsLow:      StateWaiting,
		EventRiskMedium:    StatePartialReducing,
		EventRiskHigh:      StateEmergencyExit,
		EventUserEmergency: StateEmergencyExit,
	},
	StateWaiting: {
		EventFundsSufficient: StateRunning,
		EventStop:            StateStopped,
		EventUserEmergency:   StateEmergencyExit,
	},
	StatePartialReducing: {
		EventRiskResolved:  StateRunning,
		EventRiskHigh:      StateEmergencyExit,
		EventUserEmergency: StateEmergencyExit,
		EventStop:          StateStopped,
	},
	StateEmergencyExit: {
		EventStop: StateStopped,
	},
	StateStopped: {
		EventStart: StateRunning,
	},
}

// Next 返回 (from, event) 对应的目标状态；不在转移表中的组合返回 false。
func Next(from State, event Event) (State, bool) {
	to, ok := transitions[from][event]
	return to, ok
}

// Valid 判断状态是否已定义。
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Valid 判断事件是否已定义。
func (e Event) Valid() bool {
	for _, ev := range AllEvents() {
		if ev == e {
			return true
		}
	}
	return false
}

// AllStates 按声明顺序返回全部状态。
func AllStates() []State {
	return []State{StateInitializing, StateRunning, StateWaiting, StatePartialReducing, StateEmergencyExit, StateStopped}
}

// AllEvents 按声明顺序返回全部事件。
func AllEvents() []Event {
	return []Event{EventStart, EventStop, EventFundsLow, EventFundsSufficient, EventRiskMedium, EventRiskHigh, EventRiskResolved, EventUserEmergency}
}

// resetsRecovery 列出成功后清零自愈计数的事件。
func resetsRecovery(e Event) bool {
	switch e {
	case EventStart, EventRiskResolved, EventFundsSufficient:
		return true
	}
	return false
}
