package dpi

import (
	"strconv"
	"strings"
)

// MaxPlanSizes is how many configured sizes the planner consumes.
const MaxPlanSizes = 4

// FragmentSlice is a contiguous range of a TCP payload sent as its own segment.
// PayloadOffset is relative to the start of the payload; SeqOffset is the
// sequence delta to apply to the segment (equal to PayloadOffset).
type FragmentSlice struct {
	PayloadOffset int
	PayloadLength int
	SeqOffset     int
}

// BuildPlan splits a payload of payloadLen bytes using up to MaxPlanSizes
// positive sizes, falling back to fallbackFirst when none are configured.
// Each size is used only while it leaves at least one byte; the remainder
// becomes the last slice. Plans with fewer than two slices are rejected.
func BuildPlan(payloadLen int, sizes []int, fallbackFirst int) ([]FragmentSlice, bool) {
	usable := make([]int, 0, MaxPlanSizes)
	for _, s := range sizes {
		if s > 0 {
			usable = append(usable, s)
			if len(usable) == MaxPlanSizes {
				break
			}
		}
	}
	if len(usable) == 0 && fallbackFirst > 0 {
		usable = append(usable, fallbackFirst)
	}
	if len(usable) == 0 {
		return nil, false
	}

	plan := make([]FragmentSlice, 0, len(usable)+1)
	remaining, consumed := payloadLen, 0
	for _, size := range usable {
		if remaining-size <= 0 {
			break
		}
		plan = append(plan, FragmentSlice{PayloadOffset: consumed, PayloadLength: size, SeqOffset: consumed})
		remaining -= size
		consumed += size
	}
	if remaining <= 0 {
		return nil, false
	}
	plan = append(plan, FragmentSlice{PayloadOffset: consumed, PayloadLength: remaining, SeqOffset: consumed})

	if len(plan) < 2 {
		return nil, false
	}
	return plan, true
}

// PlanString renders slice lengths as "64,236".
func PlanString(plan []FragmentSlice) string {
	var b strings.Builder
	for i, s := range plan {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(s.PayloadLength))
	}
	return b.String()
}
