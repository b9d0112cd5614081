package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Entry points a plugin file may define.
const (
	FriendFunc = "receive_friend_msg"
	GroupFunc  = "receive_group_msg"
	EventFunc  = "receive_events"
)

var errPluginClosed = errors.New("plugin is closed")

// EmitFunc forwards bot.emit calls to the transport.
type EmitFunc func(ctx context.Context, event string, payload any) error

// Plugin is one loaded script with its own Lua state.
type Plugin struct {
	Name     string
	Path     string
	LoadedAt time.Time

	friend bool
	group  bool
	event  bool

	mu    sync.Mutex
	state *lua.LState
}

func loadPlugin(name, path string, emit EmitFunc, log *slog.Logger) (*Plugin, error) {
	L := newState(name, emit, log)
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	p := &Plugin{
		Name:     name,
		Path:     path,
		LoadedAt: time.Now(),
		friend:   L.GetGlobal(FriendFunc).Type() == lua.LTFunction,
		group:    L.GetGlobal(GroupFunc).Type() == lua.LTFunction,
		event:    L.GetGlobal(EventFunc).Type() == lua.LTFunction,
		state:    L,
	}
	return p, nil
}

// newState builds a Lua state with only the base, table, string and math libraries.
func newState(name string, emit EmitFunc, log *slog.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(unsafe, lua.LNil)
	}

	api := L.NewTable()
	L.SetFuncs(api, map[string]lua.LGFunction{
		"log":  luaLog(log.With("plugin", name)),
		"emit": luaEmit(emit),
	})
	L.SetGlobal("bot", api)

	return L
}

// bot.log([level,] text)
func luaLog(log *slog.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		level, text := "info", L.CheckString(1)
		if L.GetTop() >= 2 {
			level, text = strings.ToLower(text), L.CheckString(2)
		}

		switch level {
		case "debug":
			log.Debug(text)
		case "warn", "warning":
			log.Warn(text)
		case "error":
			log.Error(text)
		default:
			log.Info(text)
		}
		return 0
	}
}

// bot.emit(event, payload) returns true, or false and an error string.
func luaEmit(emit EmitFunc) lua.LGFunction {
	return func(L *lua.LState) int {
		event := L.CheckString(1)
		payload := fromLua(L.Get(2))

		if emit == nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString("emit is not available"))
			return 2
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := emit(ctx, event, payload); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		L.Push(lua.LTrue)
		return 1
	}
}

// call invokes a global function with msg converted to a Lua table.
func (p *Plugin) call(ctx context.Context, fn string, msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	L := p.state
	if L == nil {
		return fmt.Errorf("%s: %w", p.Name, errPluginClosed)
	}

	arg, err := toLua(L, msg)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", p.Name, err)
	}

	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: L.GetGlobal(fn), NRet: 0, Protect: true}, arg); err != nil {
		return fmt.Errorf("plugin %s %s: %w", p.Name, fn, err)
	}
	return nil
}

func (p *Plugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != nil {
		p.state.Close()
		p.state = nil
	}
}

// toLua converts msg through its JSON form so Lua sees the wire field names.
func toLua(L *lua.LState, msg any) (lua.LValue, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return lua.LNil, fmt.Errorf("encode message: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return lua.LNil, fmt.Errorf("decode message: %w", err)
	}
	return toLuaValue(L, decoded), nil
}

func toLuaValue(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		tbl := L.CreateTable(len(v), 0)
		for _, item := range v {
			tbl.Append(toLuaValue(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(v))
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			tbl.RawSetString(key, toLuaValue(L, v[key]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

func fromLua(value lua.LValue) any {
	switch v := value.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			items := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				items = append(items, fromLua(v.RawGetInt(i)))
			}
			return items
		}
		out := make(map[string]any)
		v.ForEach(func(key, item lua.LValue) {
			out[key.String()] = fromLua(item)
		})
		return out
	default:
		return nil
	}
}
