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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blacktop/go-vmi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(attachCmd)
	attachCmd.Flags().String("decision", "continue", "decision for every event (continue, skip)")
	attachCmd.Flags().Bool("registers", false, "fetch the paused vCPU's registers for every event")
	attachCmd.Flags().Duration("query-timeout", vmi.DefaultQueryTimeout, "timeout of a single guest query")

	_ = viper.BindPFlag("client.query_timeout", attachCmd.Flags().Lookup("query-timeout"))
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach as an analysis client and log every event",
	Long: `Map the segment (waiting for the host to create it), log every event
received and answer each one with a fixed decision. Detaches on interrupt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, err := cmd.Flags().GetString("decision")
		if err != nil {
			return err
		}
		var action vmi.Action
		switch decision {
		case "continue":
			action = vmi.Continue()
		case "skip":
			action = vmi.Skip()
		default:
			return fmt.Errorf("invalid decision %q (want continue or skip)", decision)
		}
		withRegs, err := cmd.Flags().GetBool("registers")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("Waiting for segment", zap.String("path", cfg.Segment.Path))
		client, err := vmi.Attach(ctx, cfg.Segment.Path, cfg.ClientOptions(logger))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to attach: %w", err)
		}
		defer client.Detach()

		err = client.Run(ctx, vmi.HandlerFunc(func(ctx context.Context, ec *vmi.EventContext) (vmi.Action, error) {
			fields := []zap.Field{
				zap.Uint64("id", ec.Event.ID),
				zap.Uint32("vcpu", ec.Event.VCPU),
				zap.Stringer("kind", ec.Event.Kind()),
				zap.String("detail", fmt.Sprintf("%+v", ec.Event.Detail)),
			}
			if withRegs {
				regs, err := ec.Registers(ctx)
				if err != nil {
					logger.Warn("Failed to read registers", zap.Uint64("id", ec.Event.ID), zap.Error(err))
				} else {
					fields = append(fields, zap.String("rip", fmt.Sprintf("%#x", regs.RIP)))
				}
			}
			logger.Info("Event", fields...)
			return action, nil
		}))
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
