package vmi

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// AddressRange is the guest-physical interval [Start, End).
type AddressRange struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func (r AddressRange) String() string { return fmt.Sprintf("[0x%x,0x%x)", r.Start, r.End) }

// Rule requests interception of one event kind. An empty VCPUs list means
// every vCPU; an empty Ranges list means every address. Ranges apply only to
// memory-related kinds.
type Rule struct {
	Kind   EventKind
	VCPUs  []uint32
	Ranges []AddressRange
}

func isMemoryKind(k EventKind) bool { return k == KindMemoryAccessViolation || k == KindMMIO }

type vcpuSet [MaxVCPUs / 64]uint64

func (s *vcpuSet) add(v uint32) { s[v/64] |= 1 << (v % 64) }

func (s *vcpuSet) has(v uint32) bool { return v < MaxVCPUs && s[v/64]&(1<<(v%64)) != 0 }

type compiledRule struct {
	allVCPUs bool
	vcpus    vcpuSet
	ranges   []AddressRange // sorted, merged
}

func (r *compiledRule) matchVCPU(v uint32) bool { return r.allVCPUs || r.vcpus.has(v) }

func (r *compiledRule) matchAddr(addr uint64) bool {
	if len(r.ranges) == 0 {
		return true
	}
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].End > addr })
	return i < len(r.ranges) && r.ranges[i].Start <= addr
}

// Policy decides which events are intercepted. A Policy is immutable once
// built and safe for concurrent use; swap it through Manager.SetPolicy.
type Policy struct {
	rules [maxKind + 1][]compiledRule
	src   []Rule
}

// PassThroughPolicy intercepts nothing.
func PassThroughPolicy() *Policy { return &Policy{} }

// NewPolicy compiles rules into a Policy. An event is intercepted when any
// rule matches it.
func NewPolicy(rules ...Rule) (*Policy, error) {
	p := &Policy{}
	for i, rule := range rules {
		if !rule.Kind.Valid() {
			return nil, fmt.Errorf("vmi: rule %d: %w", i, &Error{Code: CodeInvalidArgument, Op: "policy", Addr: uint64(rule.Kind)})
		}
		if len(rule.Ranges) > 0 && !isMemoryKind(rule.Kind) {
			return nil, fmt.Errorf("vmi: rule %d: address ranges do not apply to %s events: %w", i, rule.Kind, ErrInvalidArgument)
		}

		cr := compiledRule{allVCPUs: len(rule.VCPUs) == 0}
		for _, v := range rule.VCPUs {
			if v >= MaxVCPUs {
				return nil, fmt.Errorf("vmi: rule %d: vcpu %d: %w", i, v, ErrInvalidVCPU)
			}
			cr.vcpus.add(v)
		}
		ranges, err := mergeRanges(rule.Ranges)
		if err != nil {
			return nil, fmt.Errorf("vmi: rule %d: %w", i, err)
		}
		cr.ranges = ranges

		p.rules[rule.Kind] = append(p.rules[rule.Kind], cr)
		p.src = append(p.src, Rule{
			Kind:   rule.Kind,
			VCPUs:  slices.Clone(rule.VCPUs),
			Ranges: slices.Clone(rule.Ranges),
		})
	}
	return p, nil
}

func mergeRanges(in []AddressRange) ([]AddressRange, error) {
	if len(in) == 0 {
		return nil, nil
	}
	ranges := slices.Clone(in)
	for _, r := range ranges {
		if r.Start >= r.End {
			return nil, fmt.Errorf("vmi: empty range %s: %w", r, ErrInvalidArgument)
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ShouldIntercept reports whether ev is published to the client. A nil
// policy intercepts nothing.
func (p *Policy) ShouldIntercept(ev *Event) bool {
	if p == nil || ev == nil {
		return false
	}
	kind := ev.Kind()
	if !kind.Valid() {
		return false
	}
	rules := p.rules[kind]
	if len(rules) == 0 {
		return false
	}

	var addr uint64
	switch d := ev.Detail.(type) {
	case MemoryAccessViolation:
		addr = d.GuestPhysical
	case MMIO:
		addr = d.GuestPhysical
	}
	for i := range rules {
		r := &rules[i]
		if r.matchVCPU(ev.VCPU) && r.matchAddr(addr) {
			return true
		}
	}
	return false
}

// Rules returns the rules the policy was built from.
func (p *Policy) Rules() []Rule {
	if p == nil {
		return nil
	}
	return slices.Clone(p.src)
}

// Empty reports whether the policy intercepts nothing.
func (p *Policy) Empty() bool { return p == nil || len(p.src) == 0 }

func (p *Policy) String() string {
	if p.Empty() {
		return "pass-through"
	}
	parts := make([]string, 0, len(p.src))
	for _, r := range p.src {
		s := r.Kind.String()
		if len(r.VCPUs) > 0 {
			s += fmt.Sprintf(" vcpus=%v", r.VCPUs)
		}
		if len(r.Ranges) > 0 {
			s += fmt.Sprintf(" ranges=%v", r.Ranges)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}
