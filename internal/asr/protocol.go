package asr

import (
	"encoding/json"
	"fmt"

	"github.com/wildlark/voice-entry/internal/transcript"
)

// Frame status values on the upload leg.
const (
	statusFirstFrame = 0
	statusContinue   = 1
	statusLastFrame  = 2
)

// Result status on the download leg; 2 marks the provider's terminal message.
const statusResultFinal = 2

// frame is one upload message. Common and Business are only present on the
// first frame of a recording.
type frame struct {
	Common   *commonParams   `json:"common,omitempty"`
	Business *businessParams `json:"business,omitempty"`
	Data     frameData       `json:"data"`
}

type commonParams struct {
	AppID string `json:"app_id"`
}

type businessParams struct {
	Language    string `json:"language"`
	Domain      string `json:"domain"`
	Accent      string `json:"accent"`
	VadEOS      int    `json:"vad_eos"`
	DynamicCorr string `json:"dwa"`
	Punctuation int    `json:"ptt"`
	NumberNorm  int    `json:"nunum"`
}

type frameData struct {
	Status   int    `json:"status"`
	Format   string `json:"format"`
	Encoding string `json:"encoding"`
	Audio    string `json:"audio"`
}

// response is one download message. A non-zero code is a provider-side error.
type response struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	SID     string        `json:"sid"`
	Data    *responseData `json:"data"`
}

type responseData struct {
	Status int                `json:"status"`
	Result *recognitionResult `json:"result"`
}

// recognitionResult carries one transcript fragment. sn is the fragment's
// sequence number; pgs=rpl with rg=[low,high] means the fragment replaces
// that sequence range instead of appending.
type recognitionResult struct {
	Sequence int    `json:"sn"`
	Progress string `json:"pgs"`
	Range    []int  `json:"rg"`
	Words    []struct {
		Candidates []struct {
			Word string `json:"w"`
		} `json:"cw"`
	} `json:"ws"`
}

// ProviderError is a recognition error reported by the provider itself, as
// opposed to a transport failure.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("asr provider error %d: %s", e.Code, e.Message)
}

// Result is one decoded recognition update.
type Result struct {
	Sequence    int
	Text        string
	Replacement bool
	RangeLow    int
	RangeHigh   int
	Final       bool
}

// Update converts the result into a reconciler update.
func (r Result) Update() transcript.Update {
	return transcript.Update{
		Sequence:    r.Sequence,
		Text:        r.Text,
		Replacement: r.Replacement,
		RangeLow:    r.RangeLow,
		RangeHigh:   r.RangeHigh,
	}
}

func decodeResponse(raw []byte) (Result, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("failed to parse provider message: %w", err)
	}
	if resp.Code != 0 {
		msg := resp.Message
		if msg == "" {
			msg = "unknown error"
		}
		return Result{}, &ProviderError{Code: resp.Code, Message: msg}
	}
	if resp.Data == nil {
		return Result{}, nil
	}

	res := Result{Final: resp.Data.Status == statusResultFinal}
	rec := resp.Data.Result
	if rec == nil {
		return res, nil
	}

	for _, w := range rec.Words {
		for _, cw := range w.Candidates {
			res.Text += cw.Word
		}
	}
	res.Sequence = rec.Sequence
	if rec.Progress == "rpl" && len(rec.Range) >= 2 {
		res.Replacement = true
		res.RangeLow = rec.Range[0]
		res.RangeHigh = rec.Range[1]
	}
	return res, nil
}
