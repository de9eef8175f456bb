// Package vosk provides single-language engines backed by Vosk/Kaldi models,
// either through a running vosk-server ([ServerEngine]) or in-process through
// the libvosk bindings ([NativeEngine], build tag "vosk").
package vosk

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// voskResult is the JSON document Vosk emits for partial and final results.
type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Result  []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
}

// parseResult converts one Vosk result document into a transcript. Empty
// partials and empty finals are ignored.
func parseResult(data []byte, language string) (stt.Transcript, bool) {
	var r voskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return stt.Transcript{}, false
	}
	if p := strings.TrimSpace(r.Partial); p != "" {
		return stt.Transcript{Text: p, Language: language}, true
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return stt.Transcript{}, false
	}

	t := stt.Transcript{Text: text, IsFinal: true, Language: language}
	if len(r.Result) == 0 {
		return t, true
	}
	var sum float64
	t.Words = make([]stt.Word, 0, len(r.Result))
	for _, w := range r.Result {
		t.Words = append(t.Words, stt.Word{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Conf,
		})
		sum += w.Conf
	}
	t.Confidence = sum / float64(len(r.Result))
	t.Timestamp = t.Words[0].Start
	t.Duration = t.Words[len(t.Words)-1].End - t.Timestamp
	return t, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
