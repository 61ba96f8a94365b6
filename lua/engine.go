package lua

import (
	"crypto/sha1"
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/gfmonteiro/verto/storage"
)

// Engine executes scripts against a keyspace. It is confined to the
// goroutine that owns the keyspace; nothing in it is safe for concurrent
// use, and nothing needs to be.
type Engine struct {
	ks      *storage.Keyspace
	scripts map[string]string // SHA1 -> script body
}

// NewEngine creates a script engine over ks.
func NewEngine(ks *storage.Keyspace) *Engine {
	return &Engine{
		ks:      ks,
		scripts: make(map[string]string),
	}
}

// Eval runs a script with the given keys and arguments and returns its
// result as a Go value: nil, int64, float64, string, or []interface{}.
func (e *Engine) Eval(script string, keys, args []string) (interface{}, error) {
	L := lua.NewState()
	defer L.Close()

	e.setupEnv(L, keys, args)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}
	return e.fromLua(L.Get(-1)), nil
}

// EvalSHA runs a previously loaded script by its SHA1.
func (e *Engine) EvalSHA(sha string, keys, args []string) (interface{}, error) {
	script, ok := e.scripts[sha]
	if !ok {
		return nil, fmt.Errorf("no script with sha %s, use EVAL", sha)
	}
	return e.Eval(script, keys, args)
}

// Load caches a script and returns its SHA1.
func (e *Engine) Load(script string) string {
	sha := fmt.Sprintf("%x", sha1.Sum([]byte(script)))
	e.scripts[sha] = script
	return sha
}

// Exists reports which of the given SHA1s are cached.
func (e *Engine) Exists(shas []string) []bool {
	out := make([]bool, len(shas))
	for i, sha := range shas {
		_, out[i] = e.scripts[sha]
	}
	return out
}

// Flush drops every cached script.
func (e *Engine) Flush() {
	e.scripts = make(map[string]string)
}

func (e *Engine) setupEnv(L *lua.LState, keys, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	vertoTable := L.NewTable()
	L.SetFuncs(vertoTable, map[string]lua.LGFunction{
		"call":  e.call,
		"pcall": e.pcall,
	})
	L.SetGlobal("verto", vertoTable)
}

// call implements verto.call: failures abort the script.
func (e *Engine) call(L *lua.LState) int {
	result, err := e.commandFromState(L)
	if err != nil {
		L.Error(lua.LString(err.Error()), 1)
		return 0
	}
	L.Push(e.toLua(L, result))
	return 1
}

// pcall implements verto.pcall: failures come back as a table with an err
// field, leaving the script in control.
func (e *Engine) pcall(L *lua.LState) int {
	result, err := e.commandFromState(L)
	if err != nil {
		errTable := L.NewTable()
		errTable.RawSetString("err", lua.LString(err.Error()))
		L.Push(errTable)
		return 1
	}
	L.Push(e.toLua(L, result))
	return 1
}

func (e *Engine) commandFromState(L *lua.LState) (interface{}, error) {
	argc := L.GetTop()
	if argc == 0 {
		return nil, fmt.Errorf("verto.call requires a command name")
	}
	name := L.ToString(1)
	args := make([]string, argc-1)
	for i := 2; i <= argc; i++ {
		args[i-2] = L.ToString(i)
	}
	return e.Command(name, args)
}

// Command executes one keyspace command on behalf of a script. The command
// surface matches the wire dispatcher.
func (e *Engine) Command(name string, args []string) (interface{}, error) {
	switch strings.ToLower(name) {
	case "GET", "get":
		if len(args) != 1 {
			return nil, arityError("get")
		}
		val, ok, err := e.ks.Get(args[0])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return string(val), nil

	case "SET", "set":
		if len(args) != 2 {
			return nil, arityError("set")
		}
		e.ks.Set(args[0], []byte(args[1]))
		return nil, nil

	case "DEL", "del":
		if len(args) == 0 {
			return nil, arityError("del")
		}
		return e.ks.Del(args...), nil

	case "KEYS", "keys":
		if len(args) != 0 {
			return nil, arityError("keys")
		}
		keys := e.ks.Keys()
		out := make([]interface{}, len(keys))
		for i, key := range keys {
			out[i] = key
		}
		return out, nil

	case "ZADD", "zadd":
		if len(args) < 3 || len(args)%2 != 1 {
			return nil, arityError("zadd")
		}
		members := make([]storage.Member, 0, (len(args)-1)/2)
		for i := 1; i+1 < len(args); i += 2 {
			score, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid score %q", args[i])
			}
			members = append(members, storage.Member{Name: args[i+1], Score: score})
		}
		added, err := e.ks.ZAdd(args[0], members)
		if err != nil {
			return nil, err
		}
		return added, nil

	case "ZREM", "zrem":
		if len(args) < 2 {
			return nil, arityError("zrem")
		}
		removed, err := e.ks.ZRem(args[0], args[1:])
		if err != nil {
			return nil, err
		}
		return removed, nil

	case "ZQUERY", "zquery":
		if len(args) != 5 {
			return nil, arityError("zquery")
		}
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid score %q", args[1])
		}
		offset, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q", args[3])
		}
		limit, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q", args[4])
		}
		members, _, err := e.ks.ZQuery(args[0], score, args[2], offset, limit)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(members)*2)
		for _, m := range members {
			out = append(out, m.Name, m.Score)
		}
		return out, nil

	case "EXPIRE", "expire":
		if len(args) != 2 {
			return nil, arityError("expire")
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seconds %q", args[1])
		}
		return e.ks.Expire(args[0], seconds), nil

	case "TTL", "ttl":
		if len(args) != 1 {
			return nil, arityError("ttl")
		}
		return e.ks.TTL(args[0]), nil

	case "PERSIST", "persist":
		if len(args) != 1 {
			return nil, arityError("persist")
		}
		return e.ks.Persist(args[0]), nil

	case "PING", "ping":
		if len(args) > 1 {
			return nil, arityError("ping")
		}
		if len(args) == 1 {
			return args[0], nil
		}
		return "PONG", nil

	default:
		return nil, fmt.Errorf("unknown or unsupported command %q", name)
	}
}

func arityError(cmd string) error {
	return fmt.Errorf("wrong number of arguments for '%s' command", cmd)
}

// toLua maps a command result into the script. A nil result becomes false,
// matching how Redis scripts see missing keys.
func (e *Engine) toLua(L *lua.LState, value interface{}) lua.LValue {
	if value == nil {
		return lua.LFalse
	}
	switch v := value.(type) {
	case string:
		return lua.LString(v)
	case int64:
		return lua.LNumber(float64(v))
	case int:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case bool:
		return lua.LBool(v)
	case []interface{}:
		table := L.NewTable()
		for i, item := range v {
			table.RawSetInt(i+1, e.toLua(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// fromLua maps a script's return value back into a command result.
func (e *Engine) fromLua(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		if bool(v) {
			return int64(1)
		}
		return nil
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		var out []interface{}
		n := v.Len()
		for i := 1; i <= n; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			out = append(out, e.fromLua(item))
		}
		return out
	default:
		return lv.String()
	}
}
