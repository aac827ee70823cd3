package comfy

import (
	"net/url"

	"github.com/tidwall/gjson"
)

// OutputTypeOutput marks images saved to the engine's output directory.
// Temp and input images never qualify as results.
const OutputTypeOutput = "output"

// OutputDescriptor locates one image produced by a job.
type OutputDescriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the images one node produced, in engine order.
type NodeOutput struct {
	NodeID string
	Images []OutputDescriptor
}

// StatusMessage is one entry of a history record's status log.
type StatusMessage struct {
	Type             string
	ExceptionMessage string
}

// HistoryRecord is the engine's durable record of one prompt.
type HistoryRecord struct {
	PromptID  string
	Outputs   []NodeOutput
	StatusStr string
	Completed bool
	Messages  []StatusMessage
}

func parseHistoryRecord(promptID string, r gjson.Result) *HistoryRecord {
	rec := &HistoryRecord{PromptID: promptID}

	r.Get("outputs").ForEach(func(nodeID, out gjson.Result) bool {
		no := NodeOutput{NodeID: nodeID.String()}
		out.Get("images").ForEach(func(_, img gjson.Result) bool {
			t := OutputTypeOutput
			if v := img.Get("type"); v.Exists() {
				t = v.String()
			}
			no.Images = append(no.Images, OutputDescriptor{
				Filename:  img.Get("filename").String(),
				Subfolder: img.Get("subfolder").String(),
				Type:      t,
			})
			return true
		})
		rec.Outputs = append(rec.Outputs, no)
		return true
	})

	status := r.Get("status")
	rec.StatusStr = status.Get("status_str").String()
	rec.Completed = status.Get("completed").Bool()
	// messages is a list of [type, payload] pairs.
	status.Get("messages").ForEach(func(_, m gjson.Result) bool {
		pair := m.Array()
		if len(pair) == 0 {
			return true
		}
		msg := StatusMessage{Type: pair[0].String()}
		if len(pair) > 1 {
			msg.ExceptionMessage = pair[1].Get("exception_message").String()
		}
		rec.Messages = append(rec.Messages, msg)
		return true
	})

	return rec
}

// ErrorMessage returns the exception message the engine recorded for a
// failed execution, or "".
func (r *HistoryRecord) ErrorMessage() string {
	for _, m := range r.Messages {
		if m.Type == EventExecutionError && m.ExceptionMessage != "" {
			return m.ExceptionMessage
		}
	}
	return ""
}

// ExtractOutput returns the first image, in node then list order, of type
// output with a non-empty filename.
func ExtractOutput(rec *HistoryRecord) (OutputDescriptor, bool) {
	if rec == nil {
		return OutputDescriptor{}, false
	}
	for _, no := range rec.Outputs {
		for _, img := range no.Images {
			if img.Type == OutputTypeOutput && img.Filename != "" {
				return img, true
			}
		}
	}
	return OutputDescriptor{}, false
}

// BuildViewURL returns base/view with filename, and subfolder only when it
// is non-empty.
func BuildViewURL(base string, desc OutputDescriptor) string {
	q := url.Values{"filename": {desc.Filename}}
	if desc.Subfolder != "" {
		q.Set("subfolder", desc.Subfolder)
	}
	return base + "/view?" + q.Encode()
}
