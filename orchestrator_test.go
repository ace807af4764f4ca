package chatcore_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cc "github.com/orzion/chatcore"
	"github.com/orzion/chatcore/provider/mock"
)

// testConfig keeps retries single-attempt so failure tests don't sleep
// through backoff.
func testConfig() cc.Config {
	return cc.Config{Retry: cc.RetryConfig{MaxAttempts: 1}}
}

func newTestOrchestrator(t *testing.T, primary, fallback cc.Provider, opts ...cc.Option) *cc.Orchestrator {
	t.Helper()
	o, err := cc.New(testConfig(), primary, fallback, opts...)
	require.NoError(t, err)
	return o
}

func chatRequest(user, text string) cc.Request {
	return cc.Request{
		UserID:   user,
		Plan:     "Free",
		Class:    cc.ClassMini,
		Messages: []cc.Message{{Role: cc.RoleUser, Content: text}},
	}
}

func TestNewRequiresAProvider(t *testing.T) {
	_, err := cc.New(testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestCompletionFromPrimary(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithChunks("hello ", "world"))
	fallback := mock.New(mock.WithName("fallback"))

	o := newTestOrchestrator(t, primary, fallback)

	text, err := o.Completion(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, int64(1), primary.CallCount())
	assert.Equal(t, int64(0), fallback.CallCount())
}

func TestEmptyRequestRejected(t *testing.T) {
	o := newTestOrchestrator(t, mock.New(), nil)

	_, err := o.CompletionStream(context.Background(), cc.Request{UserID: "u1"})
	assert.ErrorIs(t, err, cc.ErrInvalidRequest)

	_, err = o.CompletionStream(context.Background(), chatRequest("u1", ""))
	assert.ErrorIs(t, err, cc.ErrInvalidRequest)
}

func TestFallbackWhenPrimaryFailsToOpen(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithError(cc.ErrUpstreamUnavailable))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("fallback answer"))

	o := newTestOrchestrator(t, primary, fallback)

	text, err := o.Completion(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", text)
	assert.Equal(t, int64(1), primary.CallCount())
	assert.Equal(t, int64(1), fallback.CallCount())
}

func TestFallbackWhenPrimaryNotConfigured(t *testing.T) {
	// Primary has no credentials for mini.
	primary := mock.New(mock.WithName("primary"), mock.WithClasses(cc.ClassPro))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("fallback answer"))

	o := newTestOrchestrator(t, primary, fallback)

	text, err := o.Completion(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", text)
	assert.Equal(t, int64(0), primary.CallCount())
}

func TestBreakerOpensAndSkipsPrimary(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithError(cc.ErrUpstreamUnavailable))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("ok"))

	o := newTestOrchestrator(t, primary, fallback)

	// Default threshold is 5 failures per (provider, class) upstream.
	for i := 0; i < 7; i++ {
		_, err := o.Completion(context.Background(), chatRequest("u1", "hi"))
		require.NoError(t, err)
	}

	assert.Equal(t, int64(5), primary.CallCount(), "open breaker must stop primary attempts")
	assert.Equal(t, int64(7), fallback.CallCount())
	assert.True(t, o.Health()["primary_mini"].IsOpen)
	assert.False(t, o.Health()["fallback_mini"].IsOpen)
}

func TestAllProvidersFailedReportedInBand(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithError(cc.ErrUpstreamUnavailable))
	fallback := mock.New(mock.WithName("fallback"), mock.WithError(cc.ErrUpstreamUnavailable))

	o := newTestOrchestrator(t, primary, fallback)

	stream, err := o.CompletionStream(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err, "provider failures surface in-band, not as an open error")
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Contains(t, chunk.Text, "unavailable")

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRateLimitedPrimaryMarkedExhausted(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithError(cc.ErrRateLimited))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("ok"))

	o := newTestOrchestrator(t, primary, fallback)
	ctx := context.Background()

	_, err := o.Completion(ctx, chatRequest("u1", "hi"))
	require.NoError(t, err)
	require.Equal(t, int64(1), primary.CallCount())

	// Exhaustion is sticky: later requests skip the primary entirely.
	_, err = o.Completion(ctx, chatRequest("u1", "hi again"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), primary.CallCount())

	for _, qs := range o.QuotaStatus(ctx) {
		if qs.Provider == "primary" && qs.Class == cc.ClassMini {
			assert.True(t, qs.Exhausted)
		}
	}
}

func TestMidStreamFailoverResetsTranscript(t *testing.T) {
	primary := mock.New(mock.WithName("primary"),
		mock.WithChunks("partial ", "answer ", "never sent"),
		mock.WithErrorAfterChunks(2))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("fresh fallback answer"))

	o := newTestOrchestrator(t, primary, fallback)

	stream, err := o.CompletionStream(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err)
	defer stream.Close()

	var sawReset bool
	var b []string
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if chunk.Reset {
			sawReset = true
			b = nil
		}
		if chunk.Text != "" {
			b = append(b, chunk.Text)
		}
	}

	assert.True(t, sawReset)
	assert.Equal(t, []string{"fresh fallback answer"}, b)
	assert.Equal(t, int64(1), fallback.CallCount())
}

func TestMidStreamFailoverViaDrain(t *testing.T) {
	primary := mock.New(mock.WithName("primary"),
		mock.WithChunks("partial"), mock.WithErrorAfterChunks(1))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("clean answer"))

	o := newTestOrchestrator(t, primary, fallback)

	// Drain honors Reset, so partial primary output is discarded.
	text, err := o.Completion(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "clean answer", text)
}

func TestMidStreamFailureWithoutFallback(t *testing.T) {
	primary := mock.New(mock.WithName("primary"),
		mock.WithChunks("partial"), mock.WithErrorAfterChunks(1))

	o := newTestOrchestrator(t, primary, nil)

	text, err := o.Completion(context.Background(), chatRequest("u1", "hi"))
	require.NoError(t, err)
	assert.Contains(t, text, "unavailable")
}

func TestCacheHitSkipsProviders(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithChunks("the answer"))

	o := newTestOrchestrator(t, primary, nil)
	ctx := context.Background()

	text, err := o.Completion(ctx, chatRequest("u1", "what is go?"))
	require.NoError(t, err)
	require.Equal(t, "the answer", text)

	// Identical repeat: replayed from cache, provider untouched.
	text, err = o.Completion(ctx, chatRequest("u1", "what is go?"))
	require.NoError(t, err)
	assert.Equal(t, "the answer", text)
	assert.Equal(t, int64(1), primary.CallCount())

	// Another user misses.
	_, err = o.Completion(ctx, chatRequest("u2", "what is go?"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), primary.CallCount())
}

func TestAnonymousRequestsBypassCacheAndLimits(t *testing.T) {
	primary := mock.New(mock.WithChunks("answer"))

	o := newTestOrchestrator(t, primary, nil, cc.WithUserLimiter(
		cc.NewUserLimiter(cc.WithPlans(map[string]map[cc.ModelClass]cc.PlanLimits{
			"Free": {cc.ClassMini: {MessagesDaily: 1, TokensPerMessage: 10, TokensDaily: 10}},
		})),
	))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := o.Completion(ctx, chatRequest("", "hello there"))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), primary.CallCount())
}

func TestUserLimitRejection(t *testing.T) {
	primary := mock.New(mock.WithChunks("answer"))

	o := newTestOrchestrator(t, primary, nil, cc.WithUserLimiter(
		cc.NewUserLimiter(cc.WithPlans(map[string]map[cc.ModelClass]cc.PlanLimits{
			"Free": {cc.ClassMini: {MessagesDaily: 1, TokensPerMessage: 1000, TokensDaily: 10000}},
		})),
	))
	ctx := context.Background()

	_, err := o.Completion(ctx, chatRequest("u1", "first message"))
	require.NoError(t, err)

	_, err = o.CompletionStream(ctx, chatRequest("u1", "second message"))
	var limitErr *cc.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, cc.LimitMessages, limitErr.Type)
	assert.Equal(t, int64(1), primary.CallCount(), "rejected request must not reach the provider")
}

func TestCloseBeforeEOFCommitsNothing(t *testing.T) {
	primary := mock.New(mock.WithChunks("one ", "two ", "three"))

	o := newTestOrchestrator(t, primary, nil)
	ctx := context.Background()

	stream, err := o.CompletionStream(ctx, chatRequest("u1", "hello"))
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	// Truncated answer was not cached: the repeat hits the provider.
	_, err = o.Completion(ctx, chatRequest("u1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), primary.CallCount())
}

func TestQuotaIncrementsOnSuccess(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithChunks("answer"))

	o := newTestOrchestrator(t, primary, nil)
	ctx := context.Background()

	_, err := o.Completion(ctx, chatRequest("u1", "hello"))
	require.NoError(t, err)

	var found bool
	for _, qs := range o.QuotaStatus(ctx) {
		if qs.Provider == "primary" && qs.Class == cc.ClassMini {
			found = true
			assert.Equal(t, int64(1), qs.RequestsUsed)
			assert.Equal(t, int64(1500), qs.DailyLimit)
		}
	}
	assert.True(t, found)
}

func TestDeepThinkingServedByFallback(t *testing.T) {
	primary := mock.New(mock.WithName("primary"), mock.WithChunks("primary"))
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("thinking hard"))

	o := newTestOrchestrator(t, primary, fallback)

	req := chatRequest("u1", "hard question")
	req.SpecialMode = cc.ModeDeepThinking

	text, err := o.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "thinking hard", text)
	assert.Equal(t, int64(0), primary.CallCount())
	assert.Equal(t, int64(1), fallback.CallCount())
}

func TestDeepResearchPrefersResearchProvider(t *testing.T) {
	primary := mock.New(mock.WithName("primary"))
	fallback := mock.New(mock.WithName("fallback"))
	research := mock.New(mock.WithName("research"), mock.WithChunks("deep research report"))

	o := newTestOrchestrator(t, primary, fallback, cc.WithResearchProvider(research))

	req := chatRequest("u1", "research this")
	req.SpecialMode = cc.ModeDeepResearch

	text, err := o.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "deep research report", text)
	assert.Equal(t, int64(1), research.CallCount())
	assert.Equal(t, int64(0), fallback.CallCount())
}

func TestSpecialModeNotCached(t *testing.T) {
	fallback := mock.New(mock.WithName("fallback"), mock.WithChunks("thought"))

	o := newTestOrchestrator(t, nil, fallback)
	ctx := context.Background()

	req := chatRequest("u1", "ponder")
	req.SpecialMode = cc.ModeDeepThinking

	for i := 0; i < 2; i++ {
		_, err := o.Completion(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), fallback.CallCount())
}

func TestStreamFuncSeesSystemPrompt(t *testing.T) {
	var got cc.ProviderRequest
	primary := mock.New(mock.WithStreamFunc(func(req cc.ProviderRequest) (cc.Stream, error) {
		got = req
		return mock.New().StreamCompletion(context.Background(), req)
	}))

	o := newTestOrchestrator(t, primary, nil)

	req := chatRequest("u1", "hello")
	req.SearchContext = "go is a language"
	_, err := o.Completion(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, got.Messages)
	assert.Equal(t, cc.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Orzion Mini")
	assert.Contains(t, got.Messages[0].Content, "go is a language")
}

func TestCallerSystemPromptPreserved(t *testing.T) {
	var got cc.ProviderRequest
	primary := mock.New(mock.WithStreamFunc(func(req cc.ProviderRequest) (cc.Stream, error) {
		got = req
		return mock.New().StreamCompletion(context.Background(), req)
	}))

	o := newTestOrchestrator(t, primary, nil)

	req := cc.Request{
		UserID: "u1",
		Plan:   "Free",
		Class:  cc.ClassMini,
		Messages: []cc.Message{
			{Role: cc.RoleSystem, Content: "You are a pirate."},
			{Role: cc.RoleUser, Content: "hello"},
		},
	}
	_, err := o.Completion(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "You are a pirate.", got.Messages[0].Content)
}

func TestDefaultClassIsPro(t *testing.T) {
	var got cc.ProviderRequest
	primary := mock.New(mock.WithStreamFunc(func(req cc.ProviderRequest) (cc.Stream, error) {
		got = req
		return mock.New().StreamCompletion(context.Background(), req)
	}))

	o := newTestOrchestrator(t, primary, nil)

	req := cc.Request{Messages: []cc.Message{{Role: cc.RoleUser, Content: "hello"}}}
	_, err := o.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, cc.ClassPro, got.Class)
}
