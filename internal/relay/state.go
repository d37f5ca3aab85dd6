package relay

// State is the relay slot's lifecycle state. The concrete types are Idle,
// Starting, Running and Stopping; transitions exist only as methods on the
// state they leave, so an illegal transition does not compile.
type State interface {
	Name() string
	isState()
}

// Idle: no process.
type Idle struct{}

// Starting: a process for ChannelID is being spawned.
type Starting struct {
	ChannelID string
}

// Running: process PID is relaying ChannelID.
type Running struct {
	PID       int
	ChannelID string
}

// Stopping: process PID has been asked to terminate.
type Stopping struct {
	PID       int
	ChannelID string
}

func (Idle) Name() string     { return "idle" }
func (Starting) Name() string { return "starting" }
func (Running) Name() string  { return "running" }
func (Stopping) Name() string { return "stopping" }

func (Idle) isState()     {}
func (Starting) isState() {}
func (Running) isState()  {}
func (Stopping) isState() {}

func (Idle) start(channelID string) Starting { return Starting{ChannelID: channelID} }

func (s Starting) run(pid int) Running { return Running{PID: pid, ChannelID: s.ChannelID} }
func (Starting) fail() Idle            { return Idle{} }

func (s Running) stop() Stopping { return Stopping{PID: s.PID, ChannelID: s.ChannelID} }
func (Running) exit() Idle       { return Idle{} }

func (Stopping) exit() Idle { return Idle{} }
