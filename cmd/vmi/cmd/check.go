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
	"fmt"
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("policy", "", "also validate this policy file")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Inspect a shared memory segment and its rings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if policyFile, _ := cmd.Flags().GetString("policy"); policyFile != "" {
			p, err := vmi.LoadPolicyFile(policyFile)
			if err != nil {
				return err
			}
			renderPolicy(p)
		}

		seg, err := vmi.OpenSegment(cfg.Segment.Path)
		if err != nil {
			return fmt.Errorf("segment %s: %w", cfg.Segment.Path, err)
		}
		defer seg.Close()

		layout := seg.Layout()
		hbAge := "never"
		if hb := seg.ClientHeartbeat(); hb != 0 {
			hbAge = time.Duration(vmi.MonotonicNow() - hb).Round(time.Millisecond).String()
		}
		pterm.DefaultTable.WithData(pterm.TableData{
			{"path", seg.Path()},
			{"session", seg.Session().String()},
			{"protocol", fmt.Sprintf("%d", vmi.ProtocolVersion)},
			{"vcpus", fmt.Sprintf("%d", layout.VCPUs)},
			{"ring capacity", fmt.Sprintf("%d", layout.Capacity)},
			{"size", fmt.Sprintf("%d bytes", layout.TotalSize)},
			{"client", seg.ClientState().String()},
			{"heartbeat age", hbAge},
		}).Render()

		data := pterm.TableData{{"vCPU", "Event Ring", "Response Ring"}}
		for v := range seg.VCPUs() {
			data = append(data, []string{
				fmt.Sprintf("%d", v),
				ringDepth(seg.EventRing(v)),
				ringDepth(seg.ResponseRing(v)),
			})
		}
		pterm.DefaultTable.WithHasHeader().WithRowSeparator("-").WithHeaderRowSeparator("-").WithData(data).Render()
		return nil
	},
}

func ringDepth(r *vmi.Ring) string {
	n, err := r.Len()
	if err != nil {
		return pterm.Red("corrupt")
	}
	return fmt.Sprintf("%d/%d", n, r.Capacity())
}

func renderPolicy(p *vmi.Policy) {
	data := pterm.TableData{{"Kind", "vCPUs", "Ranges"}}
	for _, r := range p.Rules() {
		vcpus := "all"
		if len(r.VCPUs) > 0 {
			vcpus = fmt.Sprint(r.VCPUs)
		}
		ranges := "all"
		if len(r.Ranges) > 0 {
			ranges = fmt.Sprint(r.Ranges)
		}
		data = append(data, []string{r.Kind.String(), vcpus, ranges})
	}
	if len(data) == 1 {
		pterm.Info.Println("policy intercepts nothing")
		return
	}
	pterm.DefaultTable.WithHasHeader().WithRowSeparator("-").WithHeaderRowSeparator("-").WithData(data).Render()
}
