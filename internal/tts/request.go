package tts

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Request is the body of POST /api/tts. Optional tuning fields are nil when absent.
type Request struct {
	Message           string   `json:"message"`
	SelectLanguage    string   `json:"selectLanguage,omitempty"`
	LanguageSelection string   `json:"languageSelection,omitempty"`
	ModelID           *int     `json:"stylebertvits2ModelId,omitempty"`
	SpeakerID         *int     `json:"stylebertvits2SpeakerId,omitempty"`
	ServerURL         string   `json:"stylebertvits2ServerUrl,omitempty"`
	APIKey            string   `json:"stylebertvits2ApiKey,omitempty"`
	Style             *string  `json:"stylebertvits2Style,omitempty"`
	SdpRatio          *float64 `json:"stylebertvits2SdpRatio,omitempty"`
	Noise             *float64 `json:"stylebertvits2Noise,omitempty"`
	NoiseW            *float64 `json:"stylebertvits2NoiseW,omitempty"`
	Length            *float64 `json:"stylebertvits2Length,omitempty"`
	AutoSplit         *bool    `json:"stylebertvits2AutoSplit,omitempty"`
	SplitInterval     *float64 `json:"stylebertvits2SplitInterval,omitempty"`
	AssistTextWeight  *float64 `json:"stylebertvits2AssistTextWeight,omitempty"`
	StyleWeight       *float64 `json:"stylebertvits2StyleWeight,omitempty"`
}

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

var languageCodes = map[string]string{
	"ja": "JP",
	"en": "EN",
	"zh": "ZH",
}

// Language returns the upstream language code for the request.
func (r *Request) Language() string {
	lang := r.SelectLanguage
	if lang == "" {
		lang = r.LanguageSelection
	}
	return languageCodes[lang]
}

// Validate checks required fields and tuning ranges.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return &ValidationError{Field: "message", Reason: "is required"}
	}
	if r.Language() == "" {
		return &ValidationError{Field: "selectLanguage", Reason: "must be one of ja, en, zh"}
	}
	if r.ModelID != nil && *r.ModelID < 0 {
		return &ValidationError{Field: "stylebertvits2ModelId", Reason: "must be >= 0"}
	}
	if r.SpeakerID != nil && *r.SpeakerID < 0 {
		return &ValidationError{Field: "stylebertvits2SpeakerId", Reason: "must be >= 0"}
	}
	if r.ServerURL != "" {
		u, err := url.Parse(r.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "stylebertvits2ServerUrl", Reason: "must be an http(s) URL"}
		}
	}

	ranges := []struct {
		field    string
		v        *float64
		min, max float64
	}{
		{"stylebertvits2SdpRatio", r.SdpRatio, 0, 1},
		{"stylebertvits2Noise", r.Noise, 0, 1},
		{"stylebertvits2NoiseW", r.NoiseW, 0, 2},
		{"stylebertvits2Length", r.Length, 0.1, 5},
		{"stylebertvits2AssistTextWeight", r.AssistTextWeight, 0, 1},
		{"stylebertvits2StyleWeight", r.StyleWeight, 0, 1},
	}
	for _, rg := range ranges {
		if rg.v != nil && (*rg.v < rg.min || *rg.v > rg.max) {
			return &ValidationError{Field: rg.field, Reason: fmt.Sprintf("must be within [%g, %g]", rg.min, rg.max)}
		}
	}
	if r.SplitInterval != nil && *r.SplitInterval <= 0 {
		return &ValidationError{Field: "stylebertvits2SplitInterval", Reason: "must be > 0"}
	}
	return nil
}

// query encodes the request as Style-Bert-VITS2 /voice query parameters.
func (r *Request) query() url.Values {
	q := url.Values{}
	q.Set("text", r.Message)
	q.Set("language", r.Language())
	setInt(q, "model_id", r.ModelID)
	setInt(q, "speaker_id", r.SpeakerID)
	setFloat(q, "sdp_ratio", r.SdpRatio)
	setFloat(q, "noise", r.Noise)
	setFloat(q, "noisew", r.NoiseW)
	setFloat(q, "length", r.Length)
	if r.AutoSplit != nil {
		q.Set("auto_split", strconv.FormatBool(*r.AutoSplit))
	}
	setFloat(q, "split_interval", r.SplitInterval)
	setFloat(q, "assist_text_weight", r.AssistTextWeight)
	if r.Style != nil {
		q.Set("style", *r.Style)
	}
	setFloat(q, "style_weight", r.StyleWeight)
	return q
}

// runpodInput is the serverless job body for Runpod-hosted Style-Bert-VITS2.
type runpodInput struct {
	Action           string   `json:"action"`
	Text             string   `json:"text"`
	Language         string   `json:"language"`
	ModelID          *int     `json:"model_id,omitempty"`
	SpeakerID        *int     `json:"speaker_id,omitempty"`
	Style            *string  `json:"style,omitempty"`
	SdpRatio         *float64 `json:"sdp_ratio,omitempty"`
	Noise            *float64 `json:"noise,omitempty"`
	NoiseW           *float64 `json:"noisew,omitempty"`
	Length           *float64 `json:"length,omitempty"`
	AutoSplit        *bool    `json:"auto_split,omitempty"`
	SplitInterval    *float64 `json:"split_interval,omitempty"`
	AssistTextWeight *float64 `json:"assist_text_weight,omitempty"`
	StyleWeight      *float64 `json:"style_weight,omitempty"`
}

func (r *Request) runpodInput() runpodInput {
	return runpodInput{
		Action:           "/voice",
		Text:             r.Message,
		Language:         r.Language(),
		ModelID:          r.ModelID,
		SpeakerID:        r.SpeakerID,
		Style:            r.Style,
		SdpRatio:         r.SdpRatio,
		Noise:            r.Noise,
		NoiseW:           r.NoiseW,
		Length:           r.Length,
		AutoSplit:        r.AutoSplit,
		SplitInterval:    r.SplitInterval,
		AssistTextWeight: r.AssistTextWeight,
		StyleWeight:      r.StyleWeight,
	}
}

func setInt(q url.Values, key string, v *int) {
	if v != nil {
		q.Set(key, strconv.Itoa(*v))
	}
}

func setFloat(q url.Values, key string, v *float64) {
	if v != nil {
		q.Set(key, strconv.FormatFloat(*v, 'f', -1, 64))
	}
}
