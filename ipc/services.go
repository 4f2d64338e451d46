package ipc

import (
	"io"
	"sync"

	"kernel/kerrno"
	"kernel/sched"
)

// The three kernel-resident interfaces (§4.7). A METHOD call with
// target_pid == 0 is resolved against one of these instead of spinning up
// a handler thread.
const (
	IIDLocalNameService uint32 = iota
	IIDGlobalNameService
	IIDStdio
)

var interfaceIDs = map[string]uint32{
	"LocalNameService":  IIDLocalNameService,
	"GlobalNameService": IIDGlobalNameService,
	"Stdio":             IIDStdio,
}

var methodIDs = map[uint32]map[string]uint32{
	IIDLocalNameService: {"FindInterface": 0, "FindMethod": 1},
	IIDGlobalNameService: {
		"FindDestination":     0,
		"RegisterDestination": 1,
		"UnregisterDestination": 2,
	},
	IIDStdio: {"Read": 0, "Write": 1, "Flush": 2},
}

// registry backs GlobalNameService: a name-to-pid table where each pid
// holds at most one name, mirroring §4.7's "registering overwrites the
// caller's previous name" rule.
type registry struct {
	mu     sync.Mutex
	byName map[string]sched.Pid
	byPid  map[sched.Pid]string
}

func newRegistry() registry {
	return registry{byName: map[string]sched.Pid{}, byPid: map[sched.Pid]string{}}
}

func (r *registry) register(name string, pid sched.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byPid[pid]; ok {
		delete(r.byName, old)
	}
	r.byName[name] = pid
	r.byPid[pid] = name
}

func (r *registry) find(name string) (sched.Pid, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.byName[name]
	return pid, ok
}

func (r *registry) unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)
	delete(r.byPid, pid)
	return true
}

func popArray(t *sched.Thread) ([]byte, bool) {
	a, ok := t.PopArg()
	if !ok || a.Kind != sched.Array {
		return nil, false
	}
	return a.Bytes, true
}

func popPrimitive(t *sched.Thread) (uint64, bool) {
	a, ok := t.PopArg()
	if !ok || a.Kind != sched.Primitive {
		return 0, false
	}
	return a.Value, true
}

// dispatch resolves a target_pid == 0 METHOD call against the in-kernel
// interfaces (§4.7). Every method here consumes its arguments from
// caller's own IPC stack (pushed there by the caller's own PUSH calls
// before invoking METHOD) and returns its result inline as an Rc, since
// there is no handler thread to hand a result back through.
//
// Argument order (last pushed is popped first, i.e. arguments are pushed
// in reverse of their logical parameter order):
//
//	FindInterface(name)                 -> push name
//	FindMethod(iid, name)               -> push name, push iid
//	FindDestination(name)               -> push name
//	RegisterDestination(name, entry)    -> push entry, push name
//	UnregisterDestination(name)         -> push name
//	Write(data)                         -> push data
func (c *Core) dispatch(caller *sched.Thread, iid, mid uint32) kerrno.Rc {
	switch iid {
	case IIDLocalNameService:
		switch mid {
		case 0: // FindInterface
			name, ok := popArray(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			id, found := interfaceIDs[string(name)]
			if !found {
				return -1
			}
			return kerrno.Rc(id)
		case 1: // FindMethod
			targetIID, ok := popPrimitive(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			name, ok := popArray(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			methods, found := methodIDs[uint32(targetIID)]
			if !found {
				return -1
			}
			id, found := methods[string(name)]
			if !found {
				return -1
			}
			return kerrno.Rc(id)
		}
	case IIDGlobalNameService:
		switch mid {
		case 0: // FindDestination
			name, ok := popArray(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			pid, found := c.registry.find(string(name))
			if !found {
				return -1
			}
			return kerrno.Rc(pid)
		case 1: // RegisterDestination
			name, ok := popArray(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			entry, ok := popPrimitive(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			proc := caller.Process
			proc.IPCEntryPoint = uintptr(entry)
			c.registry.register(string(name), proc.ID)
			return kerrno.Rc(proc.ID)
		case 2: // UnregisterDestination
			name, ok := popArray(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			if !c.registry.unregister(string(name)) {
				return -1
			}
			return kerrno.Ok
		}
	case IIDStdio:
		switch mid {
		case 0: // Read: no input device backs this kernel, always fails
			return -1
		case 1: // Write
			data, ok := popArray(caller)
			if !ok {
				return kerrno.InvalidArgument.Neg()
			}
			c.console().Write(data)
			return kerrno.Ok
		case 2: // Flush: writes are unbuffered, nothing to do
			return kerrno.Ok
		}
	}
	return kerrno.NotFound.Neg()
}

func (c *Core) console() io.Writer {
	if c.Console == nil {
		return io.Discard
	}
	return c.Console
}
