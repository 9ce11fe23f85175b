package storage

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type retryAll struct {
	maxAttempts int
}

func (h retryAll) Eligible(error) bool { return true }
func (h retryAll) HandleError(_ error, ctx *APIContext) bool {
	return ctx.Attempts() < h.maxAttempts
}

type neverEligible struct{}

func (neverEligible) Eligible(error) bool                  { return false }
func (neverEligible) HandleError(error, *APIContext) bool  { return false }

func TestExecuteAPISingleShotHasZeroRetries(t *testing.T) {
	resp, err := ExecuteAPI(func() (int, error) { return 42, nil }, retryAll{3}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, resp.Result)
	require.Equal(t, 0, resp.Context.Retries)
	require.Equal(t, 1, resp.Context.Attempts())
	require.True(t, resp.Context.IsFinished())
}

func TestExecuteAPIRetriesThenSucceeds(t *testing.T) {
	calls := 0
	resp, err := ExecuteAPI(func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("transient %d", calls)
		}
		return "ok", nil
	}, retryAll{5}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Result)
	require.Equal(t, 2, resp.Context.Retries)
	require.Len(t, resp.Context.Errors, 2)
}

func TestExecuteAPIExhaustedWrapsError(t *testing.T) {
	boom := errors.New("boom")
	ctx := NewAPIContext()
	_, err := ExecuteAPI(func() (int, error) { return 0, boom }, retryAll{3}, ctx)
	require.Error(t, err)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, ctx.Attempts())
	require.Contains(t, clientErr.Message, "after 3 attempts")
}

func TestExecuteAPIIneligibleErrorPropagates(t *testing.T) {
	boom := errors.New("user error")
	_, err := ExecuteAPI(func() (int, error) { return 0, boom }, neverEligible{}, nil)
	require.ErrorIs(t, err, boom)
	var clientErr *ClientError
	require.False(t, errors.As(err, &clientErr), "ineligible errors must not be wrapped")
}

// flakyReader fails once at a configured offset, then streams the rest.
type flakyReader struct {
	data    []byte
	offset  int64
	failAt  int64
	failed  *bool
	closed  bool
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if !*r.failed && r.offset >= r.failAt {
		*r.failed = true
		return 0, errors.New("connection reset")
	}
	if r.offset >= int64(len(r.data)) {
		return 0, io.EOF
	}
	end := r.offset + int64(len(p))
	if !*r.failed && r.failAt > r.offset && end > r.failAt {
		end = r.failAt
	}
	if end > int64(len(r.data)) {
		end = int64(len(r.data))
	}
	n := copy(p, r.data[r.offset:end])
	r.offset += int64(n)
	return n, nil
}

func (r *flakyReader) Close() error { r.closed = true; return nil }

func TestResumableStreamResumesFromLastOffset(t *testing.T) {
	data := []byte("hello resumable world of bytes")
	failed := false
	var opens []int64
	open := func(offset int64) (io.ReadCloser, error) {
		opens = append(opens, offset)
		return &flakyReader{data: data, offset: offset, failAt: 10, failed: &failed}, nil
	}
	stream := NewResumableStream(open, retryAll{5})
	defer stream.Close()

	out, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.EqualValues(t, len(data), stream.Size())
	// First open at 0, resume open at the failure offset.
	require.Equal(t, []int64{0, 10}, opens)
	require.NotEmpty(t, stream.Context().Errors)
}

func TestResumableStreamIterLines(t *testing.T) {
	content := "alpha\nbeta\r\ngamma"
	failed := true // no failures
	open := func(offset int64) (io.ReadCloser, error) {
		return &flakyReader{data: []byte(content), offset: offset, failAt: -1, failed: &failed}, nil
	}
	stream := NewResumableStream(open, retryAll{1})
	defer stream.Close()

	var lines []string
	require.NoError(t, stream.IterLines(false, func(line []byte) bool {
		lines = append(lines, string(line))
		return true
	}))
	require.Equal(t, []string{"alpha", "beta", "gamma"}, lines)

	count, used := stream.Lines()
	require.True(t, used)
	require.EqualValues(t, 3, count)
}

func TestResumableStreamIterLinesKeepends(t *testing.T) {
	content := "one\ntwo\n"
	failed := true
	open := func(offset int64) (io.ReadCloser, error) {
		return &flakyReader{data: []byte(content), offset: offset, failAt: -1, failed: &failed}, nil
	}
	stream := NewResumableStream(open, retryAll{1})
	defer stream.Close()

	var lines []string
	require.NoError(t, stream.IterLines(true, func(line []byte) bool {
		lines = append(lines, string(line))
		return true
	}))
	require.Equal(t, []string{"one\n", "two\n"}, lines)
}

func TestResumableStreamCloseReleasesSource(t *testing.T) {
	failed := true
	reader := &flakyReader{data: []byte("abc"), failAt: -1, failed: &failed}
	stream := NewResumableStream(func(int64) (io.ReadCloser, error) { return reader, nil }, retryAll{1})

	buf := make([]byte, 2)
	_, err := stream.Read(buf)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.True(t, reader.closed)
	// Double close is safe.
	require.NoError(t, stream.Close())
}

// countingFactory tracks client creations.
type countingFactory struct {
	creations int
}

type nopClient struct{ Client }

func (nopClient) Close() error { return nil }

func (f *countingFactory) Create() (Client, error) {
	f.creations++
	return nopClient{}, nil
}

func TestClientPoolCreatesOnce(t *testing.T) {
	factory := &countingFactory{}
	pool := NewClientPool(factory)
	for i := 0; i < 5; i++ {
		_, err := pool.Get()
		require.NoError(t, err)
	}
	require.Equal(t, 1, factory.creations)
	require.NoError(t, pool.Close())
}

func TestMuxProviderBindsByProfile(t *testing.T) {
	fast := &countingFactory{}
	slow := &countingFactory{}
	mux := NewMuxClientFactory(map[string]ClientFactory{"fast": fast, "slow": slow})
	provider := mux.ToProvider(true)

	bound, err := provider.Bind("fast")
	require.NoError(t, err)
	_, err = bound.Get()
	require.NoError(t, err)
	require.Equal(t, 1, fast.creations)
	require.Zero(t, slow.creations)

	_, err = provider.Bind("missing")
	require.Error(t, err)

	_, err = provider.Get()
	require.Error(t, err, "mux provider requires a profile")
	require.NoError(t, provider.Close())
}
