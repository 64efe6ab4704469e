package provider

import (
	"github.com/tidwall/gjson"
)

// Upstream prediction statuses.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Signal is a normalized completion signal, whether it arrived by webhook or
// by poll.
type Signal struct {
	ProviderID   string
	Status       string
	Error        string
	ArtifactRefs []string
}

// Terminal reports whether the signal ends the prediction upstream.
func (s *Signal) Terminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusFailed || s.Status == StatusCanceled
}

// ParseSignal extracts the fields this service cares about from a raw
// prediction payload without binding to the provider's full schema.
func ParseSignal(raw []byte) *Signal {
	return &Signal{
		ProviderID:   gjson.GetBytes(raw, "id").String(),
		Status:       gjson.GetBytes(raw, "status").String(),
		Error:        gjson.GetBytes(raw, "error").String(),
		ArtifactRefs: NormalizeArtifactRefs(gjson.GetBytes(raw, "output")),
	}
}

// refKeys are the object fields providers stash a single artifact URL under.
var refKeys = []string{"url", "uri", "path", "image"}

// NormalizeArtifactRefs flattens the provider's output field, which can be a
// bare string, a list of strings or objects, or an object with an images
// list, into an ordered list of artifact URLs.
func NormalizeArtifactRefs(out gjson.Result) []string {
	refs := []string{}
	switch {
	case out.IsArray():
		out.ForEach(func(_, item gjson.Result) bool {
			if r := singleRef(item); r != "" {
				refs = append(refs, r)
			}
			return true
		})
	case out.IsObject():
		out.Get("images").ForEach(func(_, item gjson.Result) bool {
			if item.String() != "" {
				refs = append(refs, item.String())
			}
			return true
		})
		for _, k := range refKeys {
			if v := out.Get(k).String(); v != "" {
				refs = append(refs, v)
			}
		}
	case out.Type == gjson.String:
		if out.String() != "" {
			refs = append(refs, out.String())
		}
	}
	return refs
}

func singleRef(item gjson.Result) string {
	if item.Type == gjson.String {
		return item.String()
	}
	if item.IsObject() {
		for _, k := range refKeys {
			if v := item.Get(k).String(); v != "" {
				return v
			}
		}
	}
	return ""
}
