package solver

import (
	"net/url"
	"strconv"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
)

// Extra parameter names recognized in SolveRequest.Extra.
const (
	ParamAction     = "action"
	ParamMinScore   = "min_score"
	ParamInvisible  = "invisible"
	ParamEnterprise = "enterprise"
	ParamChallenge  = "challenge"
	ParamCData      = "cdata"
	ParamIV         = "iv"
	ParamContext    = "context"
	ParamAPIServer  = "geetestApiServerSubdomain"
	ParamTimeout    = "timeout_seconds"
)

const defaultV3Action = "verify"

// taskSpec maps one CAPTCHA type onto a Task-JSON task object.
type taskSpec struct {
	taskType string
	keyField string
	extra    func(req SolveRequest, task map[string]any)
}

// TaskTable is the per-provider type mapping for the Task-JSON protocol.
type TaskTable map[challenge.Type]taskSpec

func (t TaskTable) build(req SolveRequest) (map[string]any, bool) {
	spec, ok := t[req.Type]
	if !ok {
		return nil, false
	}
	task := map[string]any{
		"type":        spec.taskType,
		"websiteURL":  req.PageURL,
		spec.keyField: req.SiteKey,
	}
	if spec.extra != nil {
		spec.extra(req, task)
	}
	return task, true
}

func (t TaskTable) types() []challenge.Type {
	var out []challenge.Type
	for _, ct := range challenge.All() {
		if _, ok := t[ct]; ok {
			out = append(out, ct)
		}
	}
	return out
}

// formSpec maps one CAPTCHA type onto Form-Poll submit parameters.
type formSpec struct {
	method   string
	keyField string
	extra    func(req SolveRequest, v url.Values)
}

// FormTable is the per-provider type mapping for the Form-Poll protocol.
type FormTable map[challenge.Type]formSpec

func (t FormTable) build(req SolveRequest) (url.Values, bool) {
	spec, ok := t[req.Type]
	if !ok {
		return nil, false
	}
	v := url.Values{}
	v.Set("key", req.APIKey)
	v.Set("method", spec.method)
	v.Set(spec.keyField, req.SiteKey)
	v.Set("pageurl", req.PageURL)
	if spec.extra != nil {
		spec.extra(req, v)
	}
	return v, true
}

func (t FormTable) types() []challenge.Type {
	var out []challenge.Type
	for _, ct := range challenge.All() {
		if _, ok := t[ct]; ok {
			out = append(out, ct)
		}
	}
	return out
}

// Task-JSON field helpers.

func taskV3(req SolveRequest, task map[string]any) {
	action := defaultV3Action
	if a, ok := req.Param(ParamAction); ok && a != "" {
		action = a
	}
	task["pageAction"] = action
	if s, ok := req.Param(ParamMinScore); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			task["minScore"] = f
		}
	}
}

func taskInvisible(req SolveRequest, task map[string]any) {
	if _, ok := req.Param(ParamInvisible); ok {
		task["isInvisible"] = true
	}
}

func taskGeeTestChallenge(req SolveRequest, task map[string]any) {
	if c, ok := req.Param(ParamChallenge); ok {
		task["challenge"] = c
	}
}

func taskAPIServer(req SolveRequest, task map[string]any) {
	if s, ok := req.Param(ParamAPIServer); ok {
		task["geetestApiServerSubdomain"] = s
	}
}

func taskGeeTestV4Init(req SolveRequest, task map[string]any) {
	task["version"] = 4
	task["initParameters"] = map[string]any{"captcha_id": req.SiteKey}
}

// Form field helpers.

func formReCaptchaV2(req SolveRequest, v url.Values) {
	if _, ok := req.Param(ParamInvisible); ok {
		v.Set("invisible", "1")
	}
	if _, ok := req.Param(ParamEnterprise); ok {
		v.Set("enterprise", "1")
	}
}

func formReCaptchaV3(req SolveRequest, v url.Values) {
	v.Set("version", "v3")
	action := defaultV3Action
	if a, ok := req.Param(ParamAction); ok && a != "" {
		action = a
	}
	v.Set("action", action)
	if s, ok := req.Param(ParamMinScore); ok {
		v.Set("min_score", s)
	}
}

func formTurnstile(req SolveRequest, v url.Values) {
	if a, ok := req.Param(ParamAction); ok {
		v.Set("action", a)
	}
	if d, ok := req.Param(ParamCData); ok {
		v.Set("data", d)
	}
}

func formGeeTest(req SolveRequest, v url.Values) {
	if c, ok := req.Param(ParamChallenge); ok {
		v.Set("challenge", c)
	}
}

func formAWSWAF(req SolveRequest, v url.Values) {
	if s, ok := req.Param(ParamIV); ok {
		v.Set("iv", s)
	}
	if s, ok := req.Param(ParamContext); ok {
		v.Set("context", s)
	}
}

var capSolverTasks = TaskTable{
	challenge.TypeReCaptchaV2: {taskType: "ReCaptchaV2TaskProxyLess", keyField: "websiteKey"},
	challenge.TypeReCaptchaV3: {taskType: "ReCaptchaV3TaskProxyLess", keyField: "websiteKey", extra: taskV3},
	challenge.TypeHCaptcha:    {taskType: "HCaptchaTaskProxyless", keyField: "websiteKey"},
	challenge.TypeTurnstile:   {taskType: "AntiTurnstileTaskProxyLess", keyField: "websiteKey"},
	challenge.TypeFunCaptcha:  {taskType: "FunCaptchaTaskProxyLess", keyField: "websitePublicKey"},
	challenge.TypeGeeTest:     {taskType: "GeeTestTaskProxyless", keyField: "gt", extra: taskGeeTestChallenge},
	challenge.TypeGeeTestV4:   {taskType: "GeeTestTaskProxyless", keyField: "captchaId", extra: taskAPIServer},
	challenge.TypeAWSWAF:      {taskType: "AntiAwsWafTaskProxyLess", keyField: "awsKey"},
}

var antiCaptchaTasks = TaskTable{
	challenge.TypeReCaptchaV2: {taskType: "NoCaptchaTaskProxyless", keyField: "websiteKey", extra: taskInvisible},
	challenge.TypeReCaptchaV3: {taskType: "RecaptchaV3TaskProxyless", keyField: "websiteKey", extra: taskV3},
	challenge.TypeHCaptcha:    {taskType: "HCaptchaTaskProxyless", keyField: "websiteKey"},
	challenge.TypeTurnstile:   {taskType: "TurnstileTaskProxyless", keyField: "websiteKey"},
	challenge.TypeFunCaptcha:  {taskType: "FunCaptchaTaskProxyless", keyField: "websitePublicKey"},
	challenge.TypeGeeTest:     {taskType: "GeeTestTaskProxyless", keyField: "gt", extra: taskGeeTestChallenge},
	challenge.TypeGeeTestV4:   {taskType: "GeeTestTaskProxyless", keyField: "gt", extra: taskGeeTestV4Init},
}

var capMonsterTasks = TaskTable{
	challenge.TypeReCaptchaV2: {taskType: "NoCaptchaTaskProxyless", keyField: "websiteKey", extra: taskInvisible},
	challenge.TypeReCaptchaV3: {taskType: "RecaptchaV3TaskProxyless", keyField: "websiteKey", extra: taskV3},
	challenge.TypeHCaptcha:    {taskType: "HCaptchaTaskProxyless", keyField: "websiteKey"},
	challenge.TypeTurnstile:   {taskType: "TurnstileTask", keyField: "websiteKey"},
}

var rucaptchaForms = FormTable{
	challenge.TypeReCaptchaV2: {method: "userrecaptcha", keyField: "googlekey", extra: formReCaptchaV2},
	challenge.TypeReCaptchaV3: {method: "userrecaptcha", keyField: "googlekey", extra: formReCaptchaV3},
	challenge.TypeHCaptcha:    {method: "hcaptcha", keyField: "sitekey"},
	challenge.TypeTurnstile:   {method: "turnstile", keyField: "sitekey", extra: formTurnstile},
	challenge.TypeFunCaptcha:  {method: "funcaptcha", keyField: "publickey"},
	challenge.TypeGeeTest:     {method: "geetest", keyField: "gt", extra: formGeeTest},
	challenge.TypeGeeTestV4:   {method: "geetest_v4", keyField: "captcha_id"},
}

var twoCaptchaForms = withForm(rucaptchaForms, challenge.TypeAWSWAF,
	formSpec{method: "amazon_waf", keyField: "sitekey", extra: formAWSWAF})

var solveCaptchaForms = FormTable{
	challenge.TypeReCaptchaV2: rucaptchaForms[challenge.TypeReCaptchaV2],
	challenge.TypeReCaptchaV3: rucaptchaForms[challenge.TypeReCaptchaV3],
	challenge.TypeHCaptcha:    rucaptchaForms[challenge.TypeHCaptcha],
}

func withForm(base FormTable, t challenge.Type, spec formSpec) FormTable {
	out := make(FormTable, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[t] = spec
	return out
}
