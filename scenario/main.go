package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"listenlabdev/logger"
	"listenlabdev/modelapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Industries a learner can pick from. Fixed enumeration; anything else is
// rejected before a generation call is made.
var Industries = []string{
	"Technology",
	"Healthcare",
	"Finance",
	"Education",
	"Retail",
	"Marketing",
	"Law",
	"Consulting",
}

var ErrUnknownIndustry = errors.New("unknown industry")

func ValidIndustry(industry string) bool {
	for _, i := range Industries {
		if i == industry {
			return true
		}
	}
	return false
}

// Scenario is created once per session and immutable thereafter.
type Scenario struct {
	Industry         string `json:"industry"`
	CompanyName      string `json:"company_name"`
	CompanyFunction  string `json:"company_function"`
	PersonName       string `json:"person_name"`
	PersonRole       string `json:"person_role"`
	DiscussionReason string `json:"discussion_reason"`
	Narrative        string `json:"narrative,omitempty"`
}

var scenarioFields = []struct {
	key         string
	placeholder string
}{
	{"company_name", "[Company Name]"},
	{"company_function", "[Company Function]"},
	{"person_name", "[Person Name]"},
	{"person_role", "[Person Role]"},
	{"discussion_reason", "[Discussion Reason]"},
}

type GeneratorConnectProps struct {
	Logger *logger.LogMiddleware
	LLM    modelapi.TextGenerator
}

type Generator struct {
	logger *logger.LogMiddleware
	llm    modelapi.TextGenerator
}

func Connect(args GeneratorConnectProps) *Generator {
	return &Generator{logger: args.Logger, llm: args.LLM}
}

// Generate produces a five-field workplace scenario for the industry. The
// model response is parsed strictly as JSON first; malformed output degrades
// field by field to salvage extraction and then to placeholders. Only a
// failed generation call itself is an error.
func (g *Generator) Generate(ctx context.Context, industry string) (*Scenario, error) {
	tracer := otel.Tracer("scenario/Generate")
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	span.SetAttributes(attribute.String("industry", industry))

	if !ValidIndustry(industry) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndustry, industry)
	}

	prompt := fmt.Sprintf(`Create a unique and detailed workplace scenario in the %s industry for the purpose of practicing active listening in workplace conversations. Include:
1. The name and function of the company (make this realistic)
2. The name and role of the person the user will be talking to (make this realistic)
3. The reason for the discussion (make this realistic)
Format the response as a JSON object with the following keys: company_name, company_function, person_name, person_role, discussion_reason`, industry)

	raw, err := g.llm.GenerateText(ctx, modelapi.GenerateTextProps{
		Messages: []modelapi.ChatMessage{
			{Role: modelapi.SYSTEM, Content: modelapi.SCENARIO_SYSTEM_PROMPT},
			{Role: modelapi.USER, Content: prompt},
		},
		ForceJSON: true,
	})
	if err != nil {
		g.logger.Logger(ctx).Error("[Scenario] Could not generate scenario", zap.Error(err))
		span.RecordError(err)
		return nil, err
	}

	scn, salvaged := decodeScenario(raw)
	scn.Industry = industry
	if salvaged {
		g.logger.Logger(ctx).Warn("[Scenario] Model output was not valid JSON, used salvage extraction",
			zap.String("industry", industry))
		span.AddEvent("SalvageExtraction")
	}

	g.logger.Logger(ctx).Info("[Scenario] Scenario generated",
		zap.String("industry", industry),
		zap.String("company_name", scn.CompanyName),
		zap.String("person_name", scn.PersonName))

	return &scn, nil
}

// Narrate rewrites the structured scenario into a short framing narrative and
// restates who the learner will be talking to. The model text is returned
// verbatim, trimmed of surrounding whitespace.
func (g *Generator) Narrate(ctx context.Context, scn *Scenario) (string, error) {
	tracer := otel.Tracer("scenario/Narrate")
	ctx, span := tracer.Start(ctx, "Narrate")
	defer span.End()

	prompt := fmt.Sprintf(`Take the following scenario and make it more readable and engaging for a user:

Company: %s
Company Function: %s
Person: %s
Role: %s
Discussion Reason: %s

Create a brief narrative that introduces the scenario in a conversational tone.
Then, clearly state who the user will be talking to and why.`,
		scn.CompanyName, scn.CompanyFunction, scn.PersonName, scn.PersonRole, scn.DiscussionReason)

	temperature := modelapi.Float64Ptr(0.7)
	raw, err := g.llm.GenerateText(ctx, modelapi.GenerateTextProps{
		Messages: []modelapi.ChatMessage{
			{Role: modelapi.SYSTEM, Content: modelapi.NARRATOR_SYSTEM_PROMPT},
			{Role: modelapi.USER, Content: prompt},
		},
		Temperature: temperature,
	})
	if err != nil {
		g.logger.Logger(ctx).Error("[Scenario] Could not narrate scenario", zap.Error(err))
		span.RecordError(err)
		return "", err
	}

	return strings.TrimSpace(raw), nil
}

// decodeScenario is total: it always returns a scenario with every field
// populated, either from the model output or with a bracketed placeholder.
// The second return reports whether the strict JSON path failed.
func decodeScenario(raw string) (Scenario, bool) {
	cleaned := stripCodeFence(raw)

	var fields map[string]string
	if err := json.Unmarshal([]byte(cleaned), &fields); err == nil {
		return scenarioFromMap(fields), false
	}

	// Strict parse failed; recover field by field from the raw text.
	recovered := map[string]string{}
	for _, f := range scenarioFields {
		if v := salvageField(cleaned, f.key); v != "" {
			recovered[f.key] = v
		}
	}
	return scenarioFromMap(recovered), true
}

func scenarioFromMap(fields map[string]string) Scenario {
	get := func(key, placeholder string) string {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
		return placeholder
	}
	return Scenario{
		CompanyName:      get("company_name", "[Company Name]"),
		CompanyFunction:  get("company_function", "[Company Function]"),
		PersonName:       get("person_name", "[Person Name]"),
		PersonRole:       get("person_role", "[Person Role]"),
		DiscussionReason: get("discussion_reason", "[Discussion Reason]"),
	}
}

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := codeFenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return trimmed
}

// salvageField extracts a single field value from malformed model output,
// keyed on the field name. Quoted values win; otherwise the remainder of the
// line is taken.
func salvageField(text, key string) string {
	quoted := regexp.MustCompile(`(?i)"?` + regexp.QuoteMeta(key) + `"?\s*[:=]\s*"([^"]+)"`)
	if m := quoted.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	bare := regexp.MustCompile(`(?i)"?` + regexp.QuoteMeta(key) + `"?\s*[:=]\s*([^,\n}]+)`)
	if m := bare.FindStringSubmatch(text); m != nil {
		return strings.Trim(strings.TrimSpace(m[1]), `"`)
	}

	return ""
}
