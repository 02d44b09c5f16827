/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	simMemSize = 4 << 20
	simPML4    = 0x1000
	simPDPT    = 0x2000
	simPD      = 0x3000
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Uint32("vcpus", 1, "number of simulated vCPUs")
	simulateCmd.Flags().Uint32("capacity", 64, "slots per ring (power of two)")
	simulateCmd.Flags().Int("exits", 100, "exits per vCPU (0 = until interrupted)")
	simulateCmd.Flags().Duration("interval", 10*time.Millisecond, "delay between exits")
	simulateCmd.Flags().String("policy", "", "policy file (default: intercept everything)")
	simulateCmd.Flags().String("metrics", "", "serve Prometheus metrics on this address")

	_ = viper.BindPFlag("segment.vcpus", simulateCmd.Flags().Lookup("vcpus"))
	_ = viper.BindPFlag("segment.ring_capacity", simulateCmd.Flags().Lookup("capacity"))
	_ = viper.BindPFlag("policy.file", simulateCmd.Flags().Lookup("policy"))
	_ = viper.BindPFlag("metrics.addr", simulateCmd.Flags().Lookup("metrics"))
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated VM that publishes synthetic exits",
	Long: `Create the shared memory segment and drive synthetic exits through the
Introspection Manager, as a VMM would. Attach a client with 'vmi attach'.

Final statistics are printed as JSON to stdout.`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	exits, err := cmd.Flags().GetInt("exits")
	if err != nil {
		return err
	}
	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vcpus := cfg.Segment.VCPUs
	seg, err := vmi.CreateSegment(cfg.Segment.Path, vcpus, cfg.Segment.RingCapacity)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	defer func() {
		_ = vmi.RemoveSegment(seg)
		_ = seg.Close()
	}()

	backend, err := newSimBackend(vcpus)
	if err != nil {
		return err
	}
	guest, err := vmi.NewGuest(backend, vcpus, backend.Regions())
	if err != nil {
		return err
	}

	mcfg, err := cfg.ManagerConfig(logger)
	if err != nil {
		return err
	}
	mgr, err := vmi.NewManager(seg, guest, nil, mcfg)
	if err != nil {
		return fmt.Errorf("failed to start introspection: %w", err)
	}

	switch {
	case cfg.Policy.File != "" && cfg.Policy.Watch:
		w, err := vmi.WatchPolicyFile(cfg.Policy.File, mgr.SetPolicy, logger)
		if err != nil {
			return err
		}
		defer w.Close()
	case cfg.Policy.File != "":
		p, err := vmi.LoadPolicyFile(cfg.Policy.File)
		if err != nil {
			return err
		}
		mgr.SetPolicy(p)
	default:
		mgr.SetPolicy(interceptAll())
	}

	logger.Info("Simulated VM running",
		zap.String("segment", seg.Path()),
		zap.String("session", seg.Session().String()),
		zap.Uint32("vcpus", vcpus),
		zap.Stringer("policy", mgr.Policy()))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(vmi.NewStatsCollector(cfg.Metrics.Namespace, mgr.Stats()))
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var running errgroup.Group
	for v := range vcpus {
		running.Go(func() error {
			return runVCPU(ctx, mgr, backend, v, exits, interval)
		})
	}
	g.Go(func() error {
		err := running.Wait()
		stop()
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	output, err := json.MarshalIndent(mgr.Stats().Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// runVCPU plays the role of a vCPU run loop.
func runVCPU(ctx context.Context, mgr *vmi.Manager, backend *vmi.MemoryBackend, vcpu uint32, exits int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; exits == 0 || i < exits; i++ {
		exit, err := syntheticExit(backend, vcpu, i)
		if err != nil {
			return err
		}
		verdict, err := mgr.HandleExit(ctx, vcpu, &exit)
		logger.Debug("Exit handled",
			zap.Uint32("vcpu", vcpu),
			zap.Stringer("reason", exit.Reason),
			zap.Uint64("event_id", verdict.EventID),
			zap.Stringer("action", verdict.Action),
			zap.Stringer("outcome", verdict.Outcome),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func interceptAll() *vmi.Policy {
	var rules []vmi.Rule
	for k := vmi.KindException; k <= vmi.KindMSRAccess; k++ {
		rules = append(rules, vmi.Rule{Kind: k})
	}
	p, _ := vmi.NewPolicy(rules...)
	return p
}

// newSimBackend builds 4 MiB of guest memory identity mapped with two 2 MiB
// pages and every vCPU in long mode.
func newSimBackend(vcpus uint32) (*vmi.MemoryBackend, error) {
	backend, err := vmi.NewMemoryBackend(vcpus, vmi.Region{
		Base:  0,
		Size:  simMemSize,
		Perms: vmi.MemRead | vmi.MemWrite | vmi.MemExec,
	})
	if err != nil {
		return nil, err
	}

	const present, writable, large = 1 << 0, 1 << 1, 1 << 7
	entry := make([]byte, 8)
	put := func(addr, val uint64) error {
		binary.LittleEndian.PutUint64(entry, val)
		return backend.WritePhysical(addr, entry)
	}
	if err := put(simPML4, simPDPT|present|writable); err != nil {
		return nil, err
	}
	if err := put(simPDPT, simPD|present|writable); err != nil {
		return nil, err
	}
	for i := uint64(0); i < simMemSize>>21; i++ {
		if err := put(simPD+8*i, i<<21|present|writable|large); err != nil {
			return nil, err
		}
	}

	for v := range vcpus {
		// PG|PE, PAE, LME|LMA
		regs := vmi.Registers{
			RIP:    0x100000,
			RSP:    0x3ff000,
			RFLAGS: 0x2,
			CR0:    1<<31 | 1<<0,
			CR3:    simPML4,
			CR4:    1 << 5,
			EFER:   1<<8 | 1<<10,
		}
		if err := backend.SetRegisters(v, regs); err != nil {
			return nil, err
		}
	}
	return backend, nil
}

// syntheticExit cycles through every exit reason the translator knows,
// plus HLT which passes through.
func syntheticExit(backend *vmi.MemoryBackend, vcpu uint32, i int) (vmi.ExitRecord, error) {
	regs, err := backend.Registers(vcpu)
	if err != nil {
		return vmi.ExitRecord{}, err
	}
	n := uint64(i)
	regs.RIP += 4

	var exit vmi.ExitRecord
	switch i % 9 {
	case 0:
		regs.CR2 = 0x200000 + n*0x1000%0x100000
		exit = vmi.ExitRecord{Reason: vmi.ExitException, Vector: 14, ErrorCode: 0x2}
	case 1:
		gpa := 0x300000 + n*0x40%0x1000
		exit = vmi.ExitRecord{Reason: vmi.ExitEPTViolation, Qualification: 0x2 | 0x80, GuestPhysical: gpa, GuestLinear: gpa}
	case 2:
		regs.RAX, regs.RBX, regs.RCX = 0x1000+n, n, n*2
		exit = vmi.ExitRecord{Reason: vmi.ExitHypercall}
	case 3:
		exit = vmi.ExitRecord{Reason: vmi.ExitIO, Port: 0x3f8, Size: 1, IsWrite: true, Value: uint64('A' + i%26), ValueValid: true}
	case 4:
		exit = vmi.ExitRecord{Reason: vmi.ExitMMIO, GuestPhysical: 0xfee000b0, Size: 4, IsWrite: true, Data: []byte{0, 0, 0, 0}}
	case 5:
		regs.RAX, regs.RCX = n%0x20, 0
		exit = vmi.ExitRecord{Reason: vmi.ExitCPUID}
	case 6:
		regs.RCX, regs.RDX, regs.RAX = 0xc0000080, 0, 0xd01
		exit = vmi.ExitRecord{Reason: vmi.ExitMSRWrite}
	case 7:
		exit = vmi.ExitRecord{Reason: vmi.ExitExternalInterrupt, Vector: 0x20 + uint8(i%16)}
	default:
		exit = vmi.ExitRecord{Reason: vmi.ExitHLT}
	}
	if err := backend.SetRegisters(vcpu, regs); err != nil {
		return vmi.ExitRecord{}, err
	}
	return exit, nil
}
