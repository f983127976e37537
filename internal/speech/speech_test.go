package speech

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestSentenceEnd(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Great job! Now try", "Great job!"},
		{"It costs 9.99 dollars. Next", "It costs 9.99 dollars."},
		{"Ask Dr. Lee first. Then", "Ask Dr. Lee first."},
		{"Almost there.", ""},
		{"no terminator yet", ""},
		{"你好。再见", "你好。"},
		{"\xff\xff. a", "\xff\xff."},
		{"Café. Next", "Café."},
	}
	for _, tc := range cases {
		got := tc.in[:SentenceEnd(tc.in)]
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestChunkToleratesInvalidUTF8(t *testing.T) {
	t.Parallel()

	in := "\xff\xff. a"
	require.NotPanics(t, func() { Chunk(in, 10) })
	assert.LessOrEqual(t, SentenceEnd(in), len(in))
	assert.Equal(t, []string{in}, Chunk(in, 10))
}

func TestChunkRespectsLimit(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("One two three four. ", 10)
	chunks := Chunk(text, 45)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 45)
	}
	assert.Equal(t, strings.Join(strings.Fields(text), " "),
		strings.Join(strings.Fields(strings.Join(chunks, " ")), " "))

	long := Chunk(strings.Repeat("word ", 30), 20)
	for _, c := range long {
		assert.LessOrEqual(t, len([]rune(c)), 20)
	}
	assert.Empty(t, Chunk("   ", 10))
}

type recordingSynth struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (r *recordingSynth) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, text)
	r.mu.Unlock()
	if r.fail != "" && strings.Contains(text, r.fail) {
		return nil, errors.New("boom")
	}
	return []byte("[" + voice + ":" + text + "]"), nil
}

func TestSynthesizeChunkedKeepsOrder(t *testing.T) {
	t.Parallel()

	s := &recordingSynth{}
	text := strings.Repeat("a", 300) + ". " + strings.Repeat("b", 300) + ". " + strings.Repeat("c", 10) + "."
	audio, err := SynthesizeChunked(context.Background(), s, text, "v")
	require.NoError(t, err)

	got := string(audio)
	assert.Less(t, strings.Index(got, "aaa"), strings.Index(got, "bbb"))
	assert.Less(t, strings.Index(got, "bbb"), strings.Index(got, "ccc"))
	assert.GreaterOrEqual(t, len(s.calls), 2)
}

func TestSynthesizeChunkedPropagatesFailure(t *testing.T) {
	t.Parallel()

	s := &recordingSynth{fail: "bbb"}
	text := strings.Repeat("a", 300) + ". " + strings.Repeat("b", 300) + "."
	_, err := SynthesizeChunked(context.Background(), s, text, "v")
	require.Error(t, err)
}

var testSpeechDesc = grpc.ServiceDesc{
	ServiceName: "tutorflow.speech.v1.SpeechService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Synthesize",
		Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			var in structpb.Struct
			if err := dec(&in); err != nil {
				return nil, err
			}
			f := in.GetFields()
			out := f["format"].GetStringValue() + "|" + f["voice"].GetStringValue() + "|" + f["text"].GetStringValue()
			return wrapperspb.Bytes([]byte(out)), nil
		},
	}},
}

func TestGrpcClientSynthesize(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&testSpeechDesc, struct{}{})
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{
		Address:        lis.Addr().String(),
		Format:         "ogg",
		ConnectTimeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx := context.Background()
	require.NoError(t, client.Health(ctx))

	audio, err := client.Synthesize(ctx, "Hello there.", "en-US-math")
	require.NoError(t, err)
	assert.Equal(t, "ogg|en-US-math|Hello there.", string(audio))
}

func TestNewGrpcClientFailsFastWhenUnreachable(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, err = NewGrpcClient(GrpcClientConfig{Address: addr, ConnectTimeout: 300 * time.Millisecond}, nil)
	require.Error(t, err)
}
