package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/config"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/providers"
	"github.com/upb/policy-rag/services/providers/fake"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func policyMatches() []models.RetrievedMatch {
	return []models.RetrievedMatch{
		{
			DocumentName: "Falls Policy",
			Version:      "v2",
			Section:      strPtr("Reporting"),
			Score:        0.91,
			Text:         "Record every fall in the incident log before the end of the shift.",
		},
		{
			DocumentName: "Leave Policy",
			Version:      "v1",
			Section:      strPtr("Booking"),
			Score:        0.74,
			Text:         "Annual leave must be booked four weeks in advance through the rota system.",
		},
	}
}

func newGenerator(gen providers.GenerationProvider) *Generator {
	return New(gen, config.DefaultRules(), Config{}, zap.NewNop())
}

func TestGenerate_NoMatchesRefusesWithoutProviderCall(t *testing.T) {
	gen := fake.NewGenerator()
	g := newGenerator(gen)

	answer, err := g.Generate(context.Background(), "What is the capital of France?", nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultRefusalText, answer.Text)
	assert.True(t, answer.Refused)
	assert.Empty(t, answer.Citations)
	assert.Empty(t, gen.Requests())
}

func TestGenerate_BuildsGroundedPrompt(t *testing.T) {
	gen := fake.NewGenerator(fake.Step{Text: "Record the fall in the incident log [Source 1]."})
	g := newGenerator(gen)

	answer, err := g.Generate(context.Background(), "How do I report a fall?", policyMatches())
	require.NoError(t, err)

	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	assert.Equal(t, 2048, req.MaxTokens)
	require.Len(t, req.Messages, 2)

	system := req.Messages[0]
	assert.Equal(t, providers.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "ONLY from the policy context")
	assert.Contains(t, system.Content, "[Source N]")
	assert.Contains(t, system.Content, config.DefaultRefusalText)

	user := req.Messages[1]
	assert.Equal(t, providers.RoleUser, user.Role)
	assert.Contains(t, user.Content, "[Source 1] Falls Policy (v2) - Reporting")
	assert.Contains(t, user.Content, "[Source 2] Leave Policy (v1) - Booking")
	assert.Contains(t, user.Content, "Question: How do I report a fall?")

	assert.False(t, answer.Refused)
	assert.False(t, answer.Emergency)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, 1, answer.Citations[0].Source)
	assert.Equal(t, "Falls Policy", answer.Citations[0].DocumentName)
	assert.Equal(t, "Reporting", answer.Citations[0].Section)
}

func TestGenerate_NormalizesRefusal(t *testing.T) {
	reply := "Sorry. i cannot find this in our current policies.  Please escalate to your manager or on-call coordinator for guidance. [Source 2]"
	g := newGenerator(fake.NewGenerator(fake.Step{Text: reply}))

	answer, err := g.Generate(context.Background(), "What is the wifi password?", policyMatches())
	require.NoError(t, err)

	assert.Equal(t, config.DefaultRefusalText, answer.Text)
	assert.True(t, answer.Refused)
	assert.Empty(t, answer.Citations)
}

func TestGenerate_EmergencyPrependsDirective(t *testing.T) {
	gen := fake.NewGenerator(fake.Step{Text: "Check for breathing and record the fall [Source 1]."})
	g := newGenerator(gen)

	answer, err := g.Generate(context.Background(), "A resident is unconscious after a fall, what now?", policyMatches())
	require.NoError(t, err)

	assert.True(t, answer.Emergency)
	assert.True(t, strings.HasPrefix(answer.Text, config.DefaultEmergencyDirective+"\n\n"))
	assert.Contains(t, gen.Requests()[0].Messages[0].Content, "Your first line must be")
}

func TestGenerate_EmergencyDirectiveNotDuplicated(t *testing.T) {
	reply := "IMMEDIATE ACTION: call 999 now.\nThen record the fall [Source 1]."
	g := newGenerator(fake.NewGenerator(fake.Step{Text: reply}))

	answer, err := g.Generate(context.Background(), "Resident is not breathing", policyMatches())
	require.NoError(t, err)

	assert.True(t, answer.Emergency)
	assert.Equal(t, reply, answer.Text)
}

func TestGenerate_EmergencyFromMatchedText(t *testing.T) {
	matches := policyMatches()
	matches[0].Text = "If the resident has a head injury call an ambulance."
	g := newGenerator(fake.NewGenerator())

	answer, err := g.Generate(context.Background(), "What should I do after a fall?", matches)
	require.NoError(t, err)
	assert.True(t, answer.Emergency)
}

func TestGenerate_KeywordsMatchWholeWords(t *testing.T) {
	g := newGenerator(fake.NewGenerator())

	assert.False(t, g.IsEmergency("Can I be fired for lateness?", nil))
	assert.True(t, g.IsEmergency("There is a FIRE in the kitchen", nil))
	assert.True(t, g.IsEmergency("she is not\nbreathing", nil))
}

func TestGenerate_ProviderFailure(t *testing.T) {
	providerErr := providers.NewProviderError("fake", providers.CodeUnavailable, "503", 503, true, nil)
	g := newGenerator(fake.NewGenerator(fake.Step{Err: providerErr}))

	answer, err := g.Generate(context.Background(), "How do I report a fall?", policyMatches())
	require.Error(t, err)
	assert.Nil(t, answer)
	assert.Equal(t, services.CodeGenerationUnavailable, services.GetErrorCode(err))
	assert.True(t, errors.Is(err, providerErr))
}

func TestGenerate_ContentFiltered(t *testing.T) {
	filtered := providers.NewProviderError("fake", providers.CodeContentFiltered, "blocked", 400, false, nil)
	g := newGenerator(fake.NewGenerator(fake.Step{Err: filtered}))

	_, err := g.Generate(context.Background(), "How do I report a fall?", policyMatches())
	require.Error(t, err)
	assert.Equal(t, services.CodeContentFiltered, services.GetErrorCode(err))
}

// finishFilter reports a content_filter finish reason
type finishFilter struct{}

func (finishFilter) Name() string { return "filter" }

func (finishFilter) Complete(ctx context.Context, req *providers.GenerationRequest) (*providers.GenerationResponse, error) {
	return &providers.GenerationResponse{FinishReason: providers.FinishReasonContentFilter}, nil
}

func TestGenerate_ContentFilterFinishReason(t *testing.T) {
	g := newGenerator(finishFilter{})

	_, err := g.Generate(context.Background(), "How do I report a fall?", policyMatches())
	assert.Equal(t, services.CodeContentFiltered, services.GetErrorCode(err))
}

func TestGenerate_EmptyCompletion(t *testing.T) {
	g := newGenerator(fake.NewGenerator(fake.Step{Text: "   "}))

	_, err := g.Generate(context.Background(), "How do I report a fall?", policyMatches())
	assert.Equal(t, services.CodeGenerationUnavailable, services.GetErrorCode(err))
}

func TestCite(t *testing.T) {
	matches := policyMatches()

	tests := []struct {
		name    string
		answer  string
		sources []int
	}{
		{"markers deduplicated and ordered", "Book early [Source 2]. Log falls [Source 1][source 2].", []int{1, 2}},
		{"out of range markers dropped", "Log falls [Source 1] and [Source 7].", []int{1}},
		{"only invalid markers", "See [Source 9].", []int{}},
		{"overlap fallback", "Annual leave must be booked four weeks in advance.", []int{2}},
		{"no overlap", "Please ask your manager.", []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cite(tt.answer, matches)
			sources := make([]int, 0, len(got))
			for _, c := range got {
				sources = append(sources, c.Source)
			}
			assert.Equal(t, tt.sources, sources)
		})
	}
}

func TestJaccard(t *testing.T) {
	a := wordSet("record every fall")
	b := wordSet("record every incident")
	assert.InDelta(t, 0.5, jaccard(a, b), 1e-9)
	assert.Zero(t, jaccard(a, wordSet("")))
}

func TestNew_CustomRules(t *testing.T) {
	rules := config.Rules{
		RefusalText:        "Not covered by policy.",
		EmergencyDirective: "CALL 999 NOW.",
		EmergencyKeywords:  []string{"flood"},
	}
	g := New(fake.NewGenerator(fake.Step{Text: "Move residents upstairs [Source 1]."}), rules, Config{}, zap.NewNop())

	assert.Equal(t, "Not covered by policy.", g.RefusalText())

	answer, err := g.Generate(context.Background(), "There is a flood", policyMatches())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(answer.Text, "CALL 999 NOW.\n\n"))
}

// completeOnly hides CompleteStream from the generator
type completeOnly struct {
	providers.GenerationProvider
}

func collect(deltas *[]string) providers.DeltaFunc {
	return func(d string) error {
		*deltas = append(*deltas, d)
		return nil
	}
}

func TestGenerateStream_DeliversDeltas(t *testing.T) {
	g := newGenerator(fake.NewGenerator(fake.Step{Text: "Record the fall in the incident log [Source 1]."}))

	var deltas []string
	answer, err := g.GenerateStream(context.Background(), "How do I report a fall?", policyMatches(), collect(&deltas))
	require.NoError(t, err)

	assert.Greater(t, len(deltas), 1)
	assert.Equal(t, answer.Text, strings.Join(deltas, ""))
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "Falls Policy", answer.Citations[0].DocumentName)
}

func TestGenerateStream_NonStreamingProvider(t *testing.T) {
	gen := fake.NewGenerator(fake.Step{Text: "Record the fall in the incident log [Source 1]."})
	g := newGenerator(completeOnly{gen})

	var deltas []string
	answer, err := g.GenerateStream(context.Background(), "How do I report a fall?", policyMatches(), collect(&deltas))
	require.NoError(t, err)

	assert.Equal(t, []string{"Record the fall in the incident log [Source 1]."}, deltas)
	assert.Equal(t, deltas[0], answer.Text)
	assert.Len(t, gen.Requests(), 1)
}

func TestGenerateStream_NoMatchesStreamsRefusal(t *testing.T) {
	gen := fake.NewGenerator()
	g := newGenerator(gen)

	var deltas []string
	answer, err := g.GenerateStream(context.Background(), "What is the capital of France?", nil, collect(&deltas))
	require.NoError(t, err)

	assert.True(t, answer.Refused)
	assert.Equal(t, []string{config.DefaultRefusalText}, deltas)
	assert.Empty(t, gen.Requests())
}

func TestGenerateStream_FinalAnswerCarriesDirective(t *testing.T) {
	g := newGenerator(fake.NewGenerator(fake.Step{Text: "Check for breathing and record the fall [Source 1]."}))

	var deltas []string
	answer, err := g.GenerateStream(context.Background(), "Resident is unconscious after a fall", policyMatches(), collect(&deltas))
	require.NoError(t, err)

	assert.True(t, answer.Emergency)
	assert.True(t, strings.HasPrefix(answer.Text, config.DefaultRules().EmergencyDirective))
	assert.Equal(t, "Check for breathing and record the fall [Source 1].", strings.Join(deltas, ""))
}

func TestGenerateStream_DeltaErrorStops(t *testing.T) {
	g := newGenerator(fake.NewGenerator(fake.Step{Text: "Record the fall [Source 1]."}))

	_, err := g.GenerateStream(context.Background(), "How do I report a fall?", policyMatches(), func(string) error {
		return errors.New("client gone")
	})
	require.Error(t, err)
	assert.True(t, services.IsUnavailableError(err))
}
