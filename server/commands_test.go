package server

import (
	"math"
	"testing"

	"github.com/gfmonteiro/verto/protocol"
	"github.com/gfmonteiro/verto/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ks := storage.NewKeyspace()
	t.Cleanup(ks.Close)
	return New(ks, Config{}, nil)
}

// do runs one command through the dispatcher and decodes the response frame.
func do(t *testing.T, s *Server, args ...string) protocol.Value {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	var out protocol.Buffer
	s.dispatch(raw, &out)

	payload, err := protocol.NextFrame(&out)
	if err != nil || payload == nil {
		t.Fatalf("dispatch produced no complete frame: (%v, %v)", payload, err)
	}
	value, rest, err := protocol.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("%d trailing bytes after response value", len(rest))
	}
	out.Consume(protocol.HeaderSize + len(payload))
	if out.Len() != 0 {
		t.Fatalf("dispatch produced %d extra bytes", out.Len())
	}
	return value
}

func wantInt(t *testing.T, v protocol.Value, want int64) {
	t.Helper()
	if v.Tag != protocol.TagInt || v.Int != want {
		t.Fatalf("got %s, want (integer) %d", v, want)
	}
}

func wantErrCode(t *testing.T, v protocol.Value, code int32) {
	t.Helper()
	if v.Tag != protocol.TagErr || v.Code != code {
		t.Fatalf("got %s, want error code %d", v, code)
	}
}

func TestSetGetDelScenario(t *testing.T) {
	s := newTestServer(t)

	if v := do(t, s, "SET", "foo", "bar"); v.Tag != protocol.TagNil {
		t.Fatalf("SET = %s, want nil", v)
	}
	if v := do(t, s, "GET", "foo"); v.Tag != protocol.TagStr || string(v.Str) != "bar" {
		t.Fatalf("GET = %s, want bar", v)
	}
	wantInt(t, do(t, s, "DEL", "foo"), 1)
	if v := do(t, s, "GET", "foo"); v.Tag != protocol.TagNil {
		t.Fatalf("GET after DEL = %s, want nil", v)
	}
}

func TestCommandNameCaseInsensitive(t *testing.T) {
	s := newTestServer(t)
	do(t, s, "set", "k", "v")
	if v := do(t, s, "GeT", "k"); v.Tag != protocol.TagStr || string(v.Str) != "v" {
		t.Fatalf("GeT = %s", v)
	}
}

func TestZSetScenario(t *testing.T) {
	s := newTestServer(t)

	wantInt(t, do(t, s, "ZADD", "s", "1.0", "a"), 1)
	wantInt(t, do(t, s, "ZADD", "s", "2.0", "b"), 1)
	wantInt(t, do(t, s, "ZADD", "s", "1.5", "c"), 1)

	v := do(t, s, "ZQUERY", "s", "0", "", "0", "10")
	wantPairs(t, v, []string{"a", "c", "b"}, []float64{1.0, 1.5, 2.0})

	// Re-scoring an existing member reports 0 and moves it.
	wantInt(t, do(t, s, "ZADD", "s", "5.0", "a"), 0)
	v = do(t, s, "ZQUERY", "s", "0", "", "0", "10")
	wantPairs(t, v, []string{"c", "b", "a"}, []float64{1.5, 2.0, 5.0})

	wantInt(t, do(t, s, "ZREM", "s", "b"), 1)
	wantInt(t, do(t, s, "ZREM", "s", "b"), 0)
}

func wantPairs(t *testing.T, v protocol.Value, names []string, scores []float64) {
	t.Helper()
	if v.Tag != protocol.TagArr {
		t.Fatalf("got %s, want array", v)
	}
	if len(v.Arr) != len(names)*2 {
		t.Fatalf("array has %d elements, want %d", len(v.Arr), len(names)*2)
	}
	for i := range names {
		name := v.Arr[2*i]
		score := v.Arr[2*i+1]
		if name.Tag != protocol.TagStr || string(name.Str) != names[i] {
			t.Errorf("pair %d: name = %s, want %q", i, name, names[i])
		}
		if score.Tag != protocol.TagDbl || math.Abs(score.Dbl-scores[i]) > 1e-9 {
			t.Errorf("pair %d: score = %s, want %v", i, score, scores[i])
		}
	}
}

func TestZAddVariadic(t *testing.T) {
	s := newTestServer(t)
	wantInt(t, do(t, s, "ZADD", "s", "1", "a", "2", "b", "1", "a"), 2)
	// Odd pair tail is an arity error.
	wantErrCode(t, do(t, s, "ZADD", "s", "1", "a", "2"), protocol.CodeBadArity)
}

func TestZQueryMissingKeyEmptyArray(t *testing.T) {
	s := newTestServer(t)
	v := do(t, s, "ZQUERY", "nothing", "0", "", "0", "10")
	if v.Tag != protocol.TagArr || len(v.Arr) != 0 {
		t.Fatalf("ZQUERY on missing key = %s, want empty array", v)
	}
}

func TestZQueryOffsetAndLimit(t *testing.T) {
	s := newTestServer(t)
	do(t, s, "ZADD", "s", "1", "a", "2", "b", "3", "c", "4", "d")

	v := do(t, s, "ZQUERY", "s", "0", "", "1", "2")
	wantPairs(t, v, []string{"b", "c"}, []float64{2, 3})

	v = do(t, s, "ZQUERY", "s", "4", "d", "-2", "10")
	wantPairs(t, v, []string{"b", "c", "d"}, []float64{2, 3, 4})
}

func TestErrorScenarios(t *testing.T) {
	s := newTestServer(t)

	wantErrCode(t, do(t, s, "GET"), protocol.CodeBadArity)
	wantErrCode(t, do(t, s, "SET", "k", "v", "x"), protocol.CodeBadArity)
	wantErrCode(t, do(t, s, "NOSUCH", "k"), protocol.CodeUnknownCommand)

	do(t, s, "SET", "k", "v")
	wantErrCode(t, do(t, s, "ZADD", "k", "1", "m"), protocol.CodeWrongType)
	wantErrCode(t, do(t, s, "ZQUERY", "k", "0", "", "0", "1"), protocol.CodeWrongType)
	wantErrCode(t, do(t, s, "GET", "k2", "extra"), protocol.CodeBadArity)

	do(t, s, "ZADD", "z", "1", "m")
	wantErrCode(t, do(t, s, "GET", "z"), protocol.CodeWrongType)

	wantErrCode(t, do(t, s, "ZADD", "z", "notanumber", "m"), protocol.CodeBadArgument)
	wantErrCode(t, do(t, s, "EXPIRE", "z", "soon"), protocol.CodeBadArgument)
	wantErrCode(t, do(t, s, "ZQUERY", "z", "0", "", "zero", "1"), protocol.CodeBadArgument)
}

func TestExpireTTLPersistCommands(t *testing.T) {
	s := newTestServer(t)

	do(t, s, "SET", "k", "v")
	wantInt(t, do(t, s, "EXPIRE", "k", "100"), 1)

	ttl := do(t, s, "TTL", "k")
	if ttl.Tag != protocol.TagInt || ttl.Int <= 0 || ttl.Int > 100_000 {
		t.Fatalf("TTL = %s, want ms in (0, 100000]", ttl)
	}

	wantInt(t, do(t, s, "PERSIST", "k"), 1)
	wantInt(t, do(t, s, "TTL", "k"), -1)
	wantInt(t, do(t, s, "PERSIST", "k"), 0)

	wantInt(t, do(t, s, "TTL", "missing"), -2)
	wantInt(t, do(t, s, "EXPIRE", "missing", "10"), 0)

	// Non-positive TTL deletes immediately.
	wantInt(t, do(t, s, "EXPIRE", "k", "0"), 1)
	if v := do(t, s, "GET", "k"); v.Tag != protocol.TagNil {
		t.Fatalf("GET after EXPIRE 0 = %s, want nil", v)
	}
}

func TestSetClearsTTLCommand(t *testing.T) {
	s := newTestServer(t)
	do(t, s, "SET", "k", "v")
	do(t, s, "EXPIRE", "k", "100")
	do(t, s, "SET", "k", "v2")
	wantInt(t, do(t, s, "TTL", "k"), -1)
}

func TestKeysCommand(t *testing.T) {
	s := newTestServer(t)
	v := do(t, s, "KEYS")
	if v.Tag != protocol.TagArr || len(v.Arr) != 0 {
		t.Fatalf("KEYS on empty keyspace = %s", v)
	}

	do(t, s, "SET", "a", "1")
	do(t, s, "SET", "b", "2")
	do(t, s, "ZADD", "z", "1", "m")

	v = do(t, s, "KEYS")
	if len(v.Arr) != 3 {
		t.Fatalf("KEYS returned %d entries, want 3", len(v.Arr))
	}
	seen := map[string]bool{}
	for _, item := range v.Arr {
		seen[string(item.Str)] = true
	}
	for _, want := range []string{"a", "b", "z"} {
		if !seen[want] {
			t.Errorf("KEYS missing %q", want)
		}
	}
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	if v := do(t, s, "PING"); v.Tag != protocol.TagStr || string(v.Str) != "PONG" {
		t.Fatalf("PING = %s", v)
	}
	if v := do(t, s, "PING", "hello"); string(v.Str) != "hello" {
		t.Fatalf("PING hello = %s", v)
	}
}

func TestEvalCommands(t *testing.T) {
	s := newTestServer(t)

	v := do(t, s, "EVAL", "return 1 + 1", "0")
	wantInt(t, v, 2)

	do(t, s, "SET", "greeting", "hi")
	v = do(t, s, "EVAL", "return verto.call('GET', KEYS[1])", "1", "greeting")
	if v.Tag != protocol.TagStr || string(v.Str) != "hi" {
		t.Fatalf("EVAL GET = %s", v)
	}

	v = do(t, s, "SCRIPT", "LOAD", "return ARGV[1]")
	if v.Tag != protocol.TagStr || len(v.Str) != 40 {
		t.Fatalf("SCRIPT LOAD = %s, want 40-char sha", v)
	}
	sha := string(v.Str)

	v = do(t, s, "EVALSHA", sha, "0", "payload")
	if v.Tag != protocol.TagStr || string(v.Str) != "payload" {
		t.Fatalf("EVALSHA = %s", v)
	}

	v = do(t, s, "SCRIPT", "EXISTS", sha, "0000000000000000000000000000000000000000")
	if v.Tag != protocol.TagArr || len(v.Arr) != 2 {
		t.Fatalf("SCRIPT EXISTS = %s", v)
	}
	wantInt(t, v.Arr[0], 1)
	wantInt(t, v.Arr[1], 0)

	do(t, s, "SCRIPT", "FLUSH")
	v = do(t, s, "EVALSHA", sha, "0")
	wantErrCode(t, v, protocol.CodeBadArgument)
}
