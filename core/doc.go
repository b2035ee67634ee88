// Package core implements the in-process actor runtime of troupe.
//
// Actors live in supervised groups. Every member gets an address from a
// sharded address space and a bounded mailbox that survives restarts.
// Envelopes are routed either to an address or to a group topic using a
// unicast, broadcast or anycast strategy. A fixed pool of workers runs ready
// actors in rounds of bounded length, and a watchdog reports actors that
// hold a worker for too long.
//
// A minimal program:
//
//	sys := core.NewSystem(core.Options{})
//	h, err := sys.SpawnGroup(core.GroupSpec{Name: "echo", Instances: 2, MailboxCapacity: 64},
//		nil, core.DefaultRestartPolicy(), func(key string) (core.Actor, error) {
//			return core.ActorFunc(func(ctx *core.Context, env core.Envelope) error {
//				return ctx.Respond(env.Payload())
//			}), nil
//		})
//	resp, err := sys.Ask(ctx, h.Addrs()[0], core.Text("hi"), time.Second)
package core
