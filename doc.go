// Package vmi implements virtual machine introspection for a VMM: vCPU exits
// are normalized into events, shipped to an out-of-process analysis client
// over shared memory, and the client's decision is applied before the guest
// resumes.
//
// The host side is made of a Segment holding one Event Ring and one Response
// Ring per vCPU, a Guest wrapping the VMM's memory and register accessor, a
// Policy selecting which events are intercepted, and a Manager that every
// vCPU thread calls inline. The client side is a Client that drains the Event
// Rings and answers on the Response Rings.
//
// # Requirements
//
//   - A unix system for file-backed segments (CreateSegment, OpenSegment)
//   - A Backend implementation from the VMM (MemoryBackend for testing)
//
// # Host
//
// Create the segment and the Manager:
//
//	seg, err := vmi.CreateSegment("/dev/shm/govmi", vcpus, 64)
//	if err != nil {
//		log.Printf("introspection disabled: %v", err)
//		return
//	}
//	defer seg.Close()
//
//	guest, err := vmi.NewGuest(backend, vcpus, memoryMap)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	policy, err := vmi.NewPolicy(vmi.Rule{Kind: vmi.KindMSRAccess, VCPUs: []uint32{0}})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	mgr, err := vmi.NewManager(seg, guest, policy, vmi.ManagerConfig{
//		ResponseTimeout: 500 * time.Millisecond,
//		TimeoutAction:   vmi.TimeoutContinue,
//	})
//
// Hand every exit of a vCPU to the Manager from that vCPU's thread:
//
//	verdict, err := mgr.HandleExit(ctx, vcpuID, &exit)
//	if err != nil {
//		logger.Debug("introspection degraded", zap.Error(err))
//	}
//	if !verdict.Suppress {
//		emulate(exit)
//	}
//
// # Client
//
//	client, err := vmi.Attach(ctx, "/dev/shm/govmi", vmi.ClientOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Detach()
//
//	err = client.Run(ctx, vmi.HandlerFunc(func(ctx context.Context, ec *vmi.EventContext) (vmi.Action, error) {
//		if pf, ok := ec.Event.Detail.(vmi.Exception); ok && pf.Vector == 14 {
//			regs, err := ec.Registers(ctx)
//			if err != nil {
//				return vmi.Continue(), err
//			}
//			log.Printf("page fault at 0x%x rip=0x%x", pf.FaultingAddress, regs.RIP)
//		}
//		return vmi.Continue(), nil
//	}))
//
// # Error Handling
//
// All errors are *Error values carrying a class and code; compare them with
// errors.Is against the Err* sentinels:
//
//	if errors.Is(err, vmi.ErrOutOfBounds) {
//		// address outside the guest memory map
//	}
//
// Set VMI_ENV=production to sanitize error messages.
//
// # Thread Safety
//
// Manager.HandleExit may be called concurrently for different vCPUs; calls
// for the same vCPU are serialized. Guest, Policy and Stats are safe for
// concurrent use. A Ring has exactly one producer and one consumer.
package vmi
