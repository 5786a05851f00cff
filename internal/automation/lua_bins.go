//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerBinsModule registers the `bins` global table in a Lua state.
// Times passed in and out are Unix seconds; wall-clock arguments are
// interpreted in loc.
func registerBinsModule(L *lua.LState, loc *time.Location, logf func(string)) {
	mod := L.NewTable()

	mod.RawSetString("next_weekday", L.NewFunction(func(L *lua.LState) int {
		return binsNextWeekday(L, loc)
	}))
	mod.RawSetString("every_weeks", L.NewFunction(func(L *lua.LState) int {
		return binsEveryWeeks(L, loc)
	}))
	mod.RawSetString("date", L.NewFunction(func(L *lua.LState) int {
		return binsDate(L, loc)
	}))
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return binsDatetime(L, loc)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		logf(L.CheckString(1))
		return 0
	}))

	L.SetGlobal("bins", mod)
}

// bins.next_weekday(now, weekday, hour, minute): the first weekday
// (0 = Sunday) at hour:minute strictly after now.
func binsNextWeekday(L *lua.LState, loc *time.Location) int {
	now := time.Unix(L.CheckInt64(1), 0).In(loc)
	weekday := checkRange(L, 2, 0, 6)
	hour := checkRange(L, 3, 0, 23)
	minute := checkRange(L, 4, 0, 59)

	L.Push(lua.LNumber(nextWeekday(now, time.Weekday(weekday), hour, minute).Unix()))
	return 1
}

func nextWeekday(now time.Time, weekday time.Weekday, hour, minute int) time.Time {
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	t := time.Date(now.Year(), now.Month(), now.Day()+days, hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = time.Date(now.Year(), now.Month(), now.Day()+days+7, hour, minute, 0, 0, now.Location())
	}
	return t
}

// bins.every_weeks(anchor, weeks, now): the first of anchor, anchor + weeks,
// anchor + 2*weeks, ... strictly after now. Steps are calendar weeks, so the
// wall-clock time of the anchor is kept across DST changes.
func binsEveryWeeks(L *lua.LState, loc *time.Location) int {
	anchor := time.Unix(L.CheckInt64(1), 0).In(loc)
	weeks := L.CheckInt(2)
	if weeks < 1 {
		L.ArgError(2, "weeks must be at least 1")
		return 0
	}
	now := time.Unix(L.CheckInt64(3), 0).In(loc)

	L.Push(lua.LNumber(everyWeeks(anchor, weeks, now).Unix()))
	return 1
}

func everyWeeks(anchor time.Time, weeks int, now time.Time) time.Time {
	step := 7 * weeks
	period := time.Duration(step) * 24 * time.Hour

	k := 0
	if now.After(anchor) {
		k = int(now.Sub(anchor) / period)
	}
	t := anchor.AddDate(0, 0, step*k)
	for k > 0 {
		prev := anchor.AddDate(0, 0, step*(k-1))
		if !prev.After(now) {
			break
		}
		k--
		t = prev
	}
	for !t.After(now) {
		k++
		t = anchor.AddDate(0, 0, step*k)
	}
	return t
}

// bins.date(year, month, day, [hour], [minute])
func binsDate(L *lua.LState, loc *time.Location) int {
	year := L.CheckInt(1)
	month := checkRange(L, 2, 1, 12)
	day := checkRange(L, 3, 1, 31)
	hour := L.OptInt(4, 0)
	minute := L.OptInt(5, 0)
	if hour < 0 || hour > 23 {
		L.ArgError(4, "hour out of range")
		return 0
	}
	if minute < 0 || minute > 59 {
		L.ArgError(5, "minute out of range")
		return 0
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	L.Push(lua.LNumber(t.Unix()))
	return 1
}

// bins.datetime(component, [ts]): a date/time component of ts (default now).
func binsDatetime(L *lua.LState, loc *time.Location) int {
	component := L.CheckString(1)
	t := time.Now()
	if L.GetTop() >= 2 {
		t = time.Unix(L.CheckInt64(2), 0)
	}
	t = t.In(loc)

	switch component {
	case "hour":
		L.Push(lua.LNumber(t.Hour()))
	case "minute":
		L.Push(lua.LNumber(t.Minute()))
	case "second":
		L.Push(lua.LNumber(t.Second()))
	case "weekday":
		L.Push(lua.LNumber(t.Weekday()))
	case "day":
		L.Push(lua.LNumber(t.Day()))
	case "month":
		L.Push(lua.LNumber(t.Month()))
	case "year":
		L.Push(lua.LNumber(t.Year()))
	case "timestamp":
		L.Push(lua.LNumber(t.Unix()))
	case "time_str":
		L.Push(lua.LString(t.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(t.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

func checkRange(L *lua.LState, n, lo, hi int) int {
	v := L.CheckInt(n)
	if v < lo || v > hi {
		L.ArgError(n, "out of range")
	}
	return v
}
