package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gfmonteiro/verto/protocol"
	"github.com/gfmonteiro/verto/storage"
)

// command describes one dispatcher entry. Arity counts the command name:
// positive means exact, negative means at least that many (Redis style).
type command struct {
	arity   int
	handler func(s *Server, args [][]byte, out *protocol.Buffer)
}

var commands = map[string]*command{
	"get":     {arity: 2, handler: cmdGet},
	"set":     {arity: 3, handler: cmdSet},
	"del":     {arity: -2, handler: cmdDel},
	"keys":    {arity: 1, handler: cmdKeys},
	"zadd":    {arity: -4, handler: cmdZAdd},
	"zrem":    {arity: -3, handler: cmdZRem},
	"zquery":  {arity: 6, handler: cmdZQuery},
	"expire":  {arity: 3, handler: cmdExpire},
	"ttl":     {arity: 2, handler: cmdTTL},
	"persist": {arity: 2, handler: cmdPersist},
	"ping":    {arity: -1, handler: cmdPing},
	"eval":    {arity: -3, handler: cmdEval},
	"evalsha": {arity: -3, handler: cmdEvalSHA},
	"script":  {arity: -2, handler: cmdScript},
}

func (c *command) arityOK(n int) bool {
	if c.arity >= 0 {
		return n == c.arity
	}
	return n >= -c.arity
}

// dispatch runs one request and appends exactly one response frame.
func (s *Server) dispatch(args [][]byte, out *protocol.Buffer) {
	s.commandTotal.Add(1)
	pos := protocol.BeginResponse(out)
	defer protocol.EndResponse(out, pos)

	name := strings.ToLower(string(args[0]))
	cmd, ok := commands[name]
	if !ok {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeUnknownCommand, fmt.Sprintf("unknown command '%s'", name))
		return
	}
	if !cmd.arityOK(len(args)) {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArity,
			fmt.Sprintf("wrong number of arguments for '%s' command", name))
		return
	}
	cmd.handler(s, args, out)
}

func writeWrongType(out *protocol.Buffer) {
	protocol.WriteErr(out, protocol.CodeWrongType,
		"operation against a key holding the wrong kind of value")
}

func cmdGet(s *Server, args [][]byte, out *protocol.Buffer) {
	val, ok, err := s.ks.Get(string(args[1]))
	if err != nil {
		s.errorTotal.Add(1)
		writeWrongType(out)
		return
	}
	if !ok {
		protocol.WriteNil(out)
		return
	}
	protocol.WriteStr(out, val)
}

func cmdSet(s *Server, args [][]byte, out *protocol.Buffer) {
	// The value aliases the inbound buffer and must outlive the frame.
	s.ks.Set(string(args[1]), append([]byte(nil), args[2]...))
	protocol.WriteNil(out)
}

func cmdDel(s *Server, args [][]byte, out *protocol.Buffer) {
	keys := make([]string, len(args)-1)
	for i, a := range args[1:] {
		keys[i] = string(a)
	}
	protocol.WriteInt(out, s.ks.Del(keys...))
}

func cmdKeys(s *Server, args [][]byte, out *protocol.Buffer) {
	keys := s.ks.Keys()
	pos := protocol.BeginArr(out)
	for _, key := range keys {
		protocol.WriteStr(out, []byte(key))
	}
	protocol.EndArr(out, pos, uint32(len(keys)))
}

func cmdZAdd(s *Server, args [][]byte, out *protocol.Buffer) {
	if (len(args)-2)%2 != 0 {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArity,
			"wrong number of arguments for 'zadd' command")
		return
	}
	members := make([]storage.Member, 0, (len(args)-2)/2)
	for i := 2; i+1 < len(args); i += 2 {
		score, err := strconv.ParseFloat(string(args[i]), 64)
		if err != nil {
			s.errorTotal.Add(1)
			protocol.WriteErr(out, protocol.CodeBadArgument,
				fmt.Sprintf("invalid score '%s'", args[i]))
			return
		}
		members = append(members, storage.Member{Name: string(args[i+1]), Score: score})
	}

	added, err := s.ks.ZAdd(string(args[1]), members)
	if err != nil {
		s.errorTotal.Add(1)
		writeWrongType(out)
		return
	}
	protocol.WriteInt(out, added)
}

func cmdZRem(s *Server, args [][]byte, out *protocol.Buffer) {
	names := make([]string, len(args)-2)
	for i, a := range args[2:] {
		names[i] = string(a)
	}
	removed, err := s.ks.ZRem(string(args[1]), names)
	if err != nil {
		s.errorTotal.Add(1)
		writeWrongType(out)
		return
	}
	protocol.WriteInt(out, removed)
}

func cmdZQuery(s *Server, args [][]byte, out *protocol.Buffer) {
	score, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument, fmt.Sprintf("invalid score '%s'", args[2]))
		return
	}
	offset, err := strconv.ParseInt(string(args[4]), 10, 64)
	if err != nil {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument, fmt.Sprintf("invalid offset '%s'", args[4]))
		return
	}
	limit, err := strconv.ParseInt(string(args[5]), 10, 64)
	if err != nil {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument, fmt.Sprintf("invalid limit '%s'", args[5]))
		return
	}

	members, _, err := s.ks.ZQuery(string(args[1]), score, string(args[3]), offset, limit)
	if err != nil {
		s.errorTotal.Add(1)
		writeWrongType(out)
		return
	}
	// A missing key yields an empty array, indistinguishable from an empty
	// window; clients probing for existence use TTL or GET.
	pos := protocol.BeginArr(out)
	for _, m := range members {
		protocol.WriteStr(out, []byte(m.Name))
		protocol.WriteDbl(out, m.Score)
	}
	protocol.EndArr(out, pos, uint32(len(members)*2))
}

func cmdExpire(s *Server, args [][]byte, out *protocol.Buffer) {
	seconds, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument, fmt.Sprintf("invalid seconds '%s'", args[2]))
		return
	}
	protocol.WriteInt(out, s.ks.Expire(string(args[1]), seconds))
}

func cmdTTL(s *Server, args [][]byte, out *protocol.Buffer) {
	protocol.WriteInt(out, s.ks.TTL(string(args[1])))
}

func cmdPersist(s *Server, args [][]byte, out *protocol.Buffer) {
	protocol.WriteInt(out, s.ks.Persist(string(args[1])))
}

func cmdPing(s *Server, args [][]byte, out *protocol.Buffer) {
	switch len(args) {
	case 1:
		protocol.WriteStr(out, []byte("PONG"))
	case 2:
		protocol.WriteStr(out, args[1])
	default:
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArity,
			"wrong number of arguments for 'ping' command")
	}
}

// scriptArgs splits an EVAL/EVALSHA tail into KEYS and ARGV per numkeys.
func scriptArgs(args [][]byte) (keys, argv []string, err error) {
	numKeys, perr := strconv.ParseInt(string(args[2]), 10, 64)
	if perr != nil || numKeys < 0 {
		return nil, nil, errors.New("invalid numkeys")
	}
	rest := args[3:]
	if numKeys > int64(len(rest)) {
		return nil, nil, errors.New("numkeys exceeds argument count")
	}
	keys = make([]string, numKeys)
	for i := range keys {
		keys[i] = string(rest[i])
	}
	argv = make([]string, len(rest)-int(numKeys))
	for i := range argv {
		argv[i] = string(rest[int(numKeys)+i])
	}
	return keys, argv, nil
}

func cmdEval(s *Server, args [][]byte, out *protocol.Buffer) {
	keys, argv, err := scriptArgs(args)
	if err != nil {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument, err.Error())
		return
	}
	result, err := s.script.Eval(string(args[1]), keys, argv)
	writeScriptResult(s, out, result, err)
}

func cmdEvalSHA(s *Server, args [][]byte, out *protocol.Buffer) {
	keys, argv, err := scriptArgs(args)
	if err != nil {
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument, err.Error())
		return
	}
	result, err := s.script.EvalSHA(strings.ToLower(string(args[1])), keys, argv)
	writeScriptResult(s, out, result, err)
}

func cmdScript(s *Server, args [][]byte, out *protocol.Buffer) {
	switch strings.ToLower(string(args[1])) {
	case "load":
		if len(args) != 3 {
			s.errorTotal.Add(1)
			protocol.WriteErr(out, protocol.CodeBadArity,
				"wrong number of arguments for 'script load'")
			return
		}
		protocol.WriteStr(out, []byte(s.script.Load(string(args[2]))))
	case "exists":
		shas := make([]string, len(args)-2)
		for i, a := range args[2:] {
			shas[i] = strings.ToLower(string(a))
		}
		found := s.script.Exists(shas)
		pos := protocol.BeginArr(out)
		for _, ok := range found {
			if ok {
				protocol.WriteInt(out, 1)
			} else {
				protocol.WriteInt(out, 0)
			}
		}
		protocol.EndArr(out, pos, uint32(len(found)))
	case "flush":
		s.script.Flush()
		protocol.WriteNil(out)
	default:
		s.errorTotal.Add(1)
		protocol.WriteErr(out, protocol.CodeBadArgument,
			fmt.Sprintf("unknown SCRIPT subcommand '%s'", args[1]))
	}
}

// writeScriptResult maps a script result onto the wire tags.
func writeScriptResult(s *Server, out *protocol.Buffer, result interface{}, err error) {
	if err != nil {
		s.errorTotal.Add(1)
		if errors.Is(err, storage.ErrWrongType) {
			writeWrongType(out)
			return
		}
		protocol.WriteErr(out, protocol.CodeBadArgument, err.Error())
		return
	}
	writeScriptValue(out, result)
}

func writeScriptValue(out *protocol.Buffer, v interface{}) {
	switch val := v.(type) {
	case nil:
		protocol.WriteNil(out)
	case string:
		protocol.WriteStr(out, []byte(val))
	case []byte:
		protocol.WriteStr(out, val)
	case int64:
		protocol.WriteInt(out, val)
	case int:
		protocol.WriteInt(out, int64(val))
	case float64:
		protocol.WriteDbl(out, val)
	case bool:
		if val {
			protocol.WriteInt(out, 1)
		} else {
			protocol.WriteNil(out)
		}
	case []interface{}:
		pos := protocol.BeginArr(out)
		for _, item := range val {
			writeScriptValue(out, item)
		}
		protocol.EndArr(out, pos, uint32(len(val)))
	default:
		protocol.WriteStr(out, []byte(fmt.Sprintf("%v", val)))
	}
}
