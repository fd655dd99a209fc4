// Package processional hands work from a master to slaves and lets the
// master hold references to objects that live on a slave.
//
// # Architecture
//
// A slave runs in one of three places:
//   - a goroutine in the same process (SpawnThread)
//   - a child process speaking over stdio or ZeroMQ (SpawnProcess)
//   - a server other processes connect to over TCP, unix sockets or ZeroMQ
//     (NewServer, Dial, DialZMQ, Connect)
//
// Every request is an envelope [u32 length][u8 kind][u64 id][payload]
// correlated by id. Plain calls and all proxy operations run one at a time
// on the slave's serial executor in arrival order; threaded calls run on a
// bounded pool.
//
// # Quick Start
//
// Child process:
//
//	func main() {
//	    slave, _ := processional.NewSlave(processional.SlaveConfig{})
//	    slave.Register("Double", func(x int) int { return x * 2 })
//	    if err := slave.RunChild(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Master:
//
//	h, err := processional.SpawnProcess(ctx, processional.ProcessConfig{Path: "./worker"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
//	n, err := processional.Call[int](ctx, h, processional.Ref("Double"), 21)
//
// Remote objects:
//
//	list, err := h.Wrap(ctx, processional.Ref("NewList"))
//	defer list.Release()
//	_, err = list.Call(ctx, "Append", 1)
package processional

// Version is the current library version
const Version = "1.0.0"
