package solver

import (
	"log/slog"
	"strings"
)

// Built-in provider ids.
const (
	ProviderTwoCaptcha   = "2captcha"
	ProviderRuCaptcha    = "rucaptcha"
	ProviderSolveCaptcha = "solvecaptcha"
	ProviderCapSolver    = "capsolver"
	ProviderAntiCaptcha  = "anticaptcha"
	ProviderCapMonster   = "capmonster"
)

// Definition couples a descriptor with its type table.
type Definition struct {
	ID          string
	DisplayName string
	Protocol    Protocol
	BaseURL     string
	tasks       TaskTable
	forms       FormTable
}

// Options configure adapter construction.
type Options struct {
	Transport Transport
	// BaseURL overrides the provider's default endpoint when set.
	BaseURL string
	Poll    PollConfig
	Logger  *slog.Logger
}

var builtin = []Definition{
	{ID: ProviderTwoCaptcha, DisplayName: "2Captcha", Protocol: ProtocolFormPoll, BaseURL: "https://2captcha.com/", forms: twoCaptchaForms},
	{ID: ProviderRuCaptcha, DisplayName: "RuCaptcha", Protocol: ProtocolFormPoll, BaseURL: "https://rucaptcha.com/", forms: rucaptchaForms},
	{ID: ProviderSolveCaptcha, DisplayName: "SolveCaptcha", Protocol: ProtocolFormPoll, BaseURL: "https://api.solvecaptcha.com/", forms: solveCaptchaForms},
	{ID: ProviderCapSolver, DisplayName: "CapSolver", Protocol: ProtocolTaskJSON, BaseURL: "https://api.capsolver.com/", tasks: capSolverTasks},
	{ID: ProviderAntiCaptcha, DisplayName: "Anti-Captcha", Protocol: ProtocolTaskJSON, BaseURL: "https://api.anti-captcha.com/", tasks: antiCaptchaTasks},
	{ID: ProviderCapMonster, DisplayName: "CapMonster Cloud", Protocol: ProtocolTaskJSON, BaseURL: "https://api.capmonster.cloud/", tasks: capMonsterTasks},
}

// Builtin returns the compiled-in provider definitions.
func Builtin() []Definition {
	out := make([]Definition, len(builtin))
	copy(out, builtin)
	return out
}

// Lookup finds a built-in definition by id.
func Lookup(id string) (Definition, bool) {
	for _, d := range builtin {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// New builds the adapter for d.
func (d Definition) New(opts Options) Solver {
	base := d.BaseURL
	if opts.BaseURL != "" {
		base = opts.BaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	desc := Descriptor{
		ID:           d.ID,
		DisplayName:  d.DisplayName,
		BaseURL:      base,
		KeyMinLength: DefaultKeyMinLength,
	}
	if d.Protocol == ProtocolTaskJSON {
		return NewTaskJSON(desc, d.tasks, opts.Transport, opts.Poll, opts.Logger)
	}
	return NewFormPoll(desc, d.forms, opts.Transport, opts.Poll, opts.Logger)
}
