// Package challenge defines the CAPTCHA type codes understood by the broker and the
// interface through which widget detection is supplied.
package challenge

import (
	"fmt"
	"strings"
)

// Type is a normalized CAPTCHA type code as produced by a classifier.
type Type string

const (
	// TypeReCaptchaV2 is Google reCAPTCHA v2 (checkbox or invisible).
	TypeReCaptchaV2 Type = "recaptchav2"
	// TypeReCaptchaV3 is Google reCAPTCHA v3 (score based).
	TypeReCaptchaV3 Type = "recaptchav3"
	// TypeHCaptcha is hCaptcha.
	TypeHCaptcha Type = "hcaptcha"
	// TypeTurnstile is Cloudflare Turnstile.
	TypeTurnstile Type = "turnstile"
	// TypeFunCaptcha is Arkose Labs FunCaptcha.
	TypeFunCaptcha Type = "funcaptcha"
	// TypeGeeTest is GeeTest v3 (gt + challenge).
	TypeGeeTest Type = "geetest"
	// TypeGeeTestV4 is GeeTest v4 (captcha_id).
	TypeGeeTestV4 Type = "geetestv4"
	// TypeAWSWAF is the AWS WAF CAPTCHA.
	TypeAWSWAF Type = "awswaf"
)

var allTypes = []Type{
	TypeReCaptchaV2,
	TypeReCaptchaV3,
	TypeHCaptcha,
	TypeTurnstile,
	TypeFunCaptcha,
	TypeGeeTest,
	TypeGeeTestV4,
	TypeAWSWAF,
}

// All returns every known type code in a stable order.
func All() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Known reports whether t is one of the built-in codes.
func (t Type) Known() bool {
	for _, k := range allTypes {
		if k == t {
			return true
		}
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// ParseType normalizes a caller supplied code. Unknown codes are rejected.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Known() {
		return "", fmt.Errorf("unknown captcha type %q", s)
	}
	return t, nil
}

// Detection describes a widget found in a page.
type Detection struct {
	Type    Type              `json:"type"`
	SiteKey string            `json:"siteKey"`
	PageURL string            `json:"pageUrl"`
	Params  map[string]string `json:"params,omitempty"`
}

// Classifier finds CAPTCHA widgets in a response body. Implementations live outside
// this module; the broker only consumes their output.
type Classifier interface {
	Classify(pageURL string, body []byte) []Detection
}
