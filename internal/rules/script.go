package rules

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/validation"
)

// ScriptPaths validates send_to_script arguments. Replace it to confine
// scripts to particular directories.
var ScriptPaths = validation.NewPermissiveFilePathValidator()

// sendToScript resolves the path on every run: a stored filter keeps its
// action even when the script has since gone missing.
func sendToScript(arg string) (actionFunc, error) {
	return func(ctx context.Context, item Item) (Outcome, error) {
		path, err := ScriptPaths.ValidateScript(arg)
		if err != nil {
			return Continue, err
		}
		return Continue, RunScript(ctx, path, item.RuleView())
	}, nil
}

// checkScript compiles the script so a missing file or a syntax error
// surfaces when the filter is saved.
func checkScript(arg string) error {
	path, err := ScriptPaths.ValidateScript(arg)
	if err != nil {
		return err
	}
	L := lua.NewState()
	defer L.Close()
	if _, err := L.LoadFile(path); err != nil {
		return fmt.Errorf("loading script %s: %w", path, err)
	}
	return nil
}

// RunScript executes the Lua file at path and calls its main function with
// the news item as a table. Any return value other than 0 is a failure.
func RunScript(ctx context.Context, path string, v View) error {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	if err := L.DoFile(path); err != nil {
		return fmt.Errorf("running script %s: %w", path, err)
	}
	fn := L.GetGlobal("main")
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("script %s has no main function", path)
	}

	debuglog.Infof("Running external script %s with news %d", path, v.ID)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, newsTable(L, v)); err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if status, ok := ret.(lua.LNumber); !ok || status != 0 {
		return fmt.Errorf("script %s returned %s", path, ret.String())
	}
	return nil
}

func newsTable(L *lua.LState, v View) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(v.ID))
	t.RawSetString("feed_id", lua.LNumber(v.FeedID))
	t.RawSetString("title", lua.LString(v.Title))
	t.RawSetString("text", lua.LString(v.Text))
	t.RawSetString("web_url", lua.LString(v.WebURL))
	t.RawSetString("comments_url", lua.LString(v.CommentsURL))
	t.RawSetString("published", lua.LNumber(v.Published))
	t.RawSetString("read", lua.LBool(v.Read))
	t.RawSetString("recycled", lua.LBool(v.Recycled))

	authors := L.NewTable()
	for _, a := range v.Authors {
		authors.Append(lua.LString(a))
	}
	t.RawSetString("authors", authors)

	enclosures := L.NewTable()
	for _, e := range v.Enclosures {
		enclosures.Append(lua.LString(e))
	}
	t.RawSetString("enclosures", enclosures)
	return t
}
