package review

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/store"
)

const fillPrefix = "fill_"

// Patch is a reviewer edit. UseFree selects free-text mode, which replaces
// the whole segment text and clears fills; otherwise Fills replace flagged
// words by index and free text is cleared.
type Patch struct {
	Start    float64
	End      float64
	Revisado bool
	UseFree  bool
	FreeText string
	Fills    map[int]string
}

// ParsePatch reads the edit form: start, end, revisado, use_free, free_text
// and one fill_<i> field per corrected word.
func ParsePatch(form url.Values) (Patch, error) {
	start, err := parseSeconds(form, "start")
	if err != nil {
		return Patch{}, err
	}
	end, err := parseSeconds(form, "end")
	if err != nil {
		return Patch{}, err
	}
	p := Patch{
		Start:    start,
		End:      end,
		Revisado: truthy(form.Get("revisado")),
		UseFree:  truthy(form.Get("use_free")),
	}

	if p.UseFree {
		p.FreeText = strings.TrimSpace(form.Get("free_text"))
	} else {
		keys := make([]string, 0, len(form))
		for key := range form {
			if strings.HasPrefix(key, fillPrefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			idx, err := strconv.Atoi(strings.TrimPrefix(key, fillPrefix))
			if err != nil || idx < 0 {
				return Patch{}, apperr.Validation(key, "fill index must be a non-negative integer")
			}
			if p.Fills == nil {
				p.Fills = make(map[int]string)
			}
			p.Fills[idx] = strings.TrimSpace(form.Get(key))
		}
	}

	if err := p.Validate(); err != nil {
		return Patch{}, err
	}
	return p, nil
}

// Validate checks the patch on its own, without the target segment.
func (p Patch) Validate() error {
	if math.IsNaN(p.Start) || math.IsInf(p.Start, 0) || p.Start < 0 {
		return apperr.Validation("start", "start must be a non-negative number")
	}
	if math.IsNaN(p.End) || math.IsInf(p.End, 0) {
		return apperr.Validation("end", "end must be a number")
	}
	if p.Start >= p.End {
		return apperr.Validation("end", "start must be before end")
	}
	if p.UseFree && len(p.Fills) > 0 {
		return apperr.Validation("use_free", "free text and word fills are mutually exclusive")
	}
	for idx := range p.Fills {
		if idx < 0 {
			return apperr.Validation(fillPrefix+strconv.Itoa(idx), "fill index must be a non-negative integer")
		}
	}
	return nil
}

// validateFor checks fill indices against the words of seg.
func (p Patch) validateFor(seg store.Segment) error {
	for idx := range p.Fills {
		if idx >= len(seg.Words) {
			return apperr.Validation(fillPrefix+strconv.Itoa(idx), "fill index is out of the segment word range").
				WithDetail("words", len(seg.Words))
		}
	}
	return nil
}

func (p Patch) edit() store.Edit {
	e := store.Edit{Start: p.Start, End: p.End, Revisado: p.Revisado}
	if p.UseFree {
		e.FreeText = p.FreeText
	} else if len(p.Fills) > 0 {
		e.Fills = p.Fills
	}
	return e
}

func parseSeconds(form url.Values, field string) (float64, error) {
	raw := strings.TrimSpace(form.Get(field))
	if raw == "" {
		return 0, apperr.Validation(field, field+" is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Validation(field, field+" must be a number")
	}
	return v, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}
