package model

import "time"

// ValueKind tags the concrete type held by a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindTimestamp
	KindBytes
	KindList
	KindMap
)

// Value is a schema-less, typed metadata entry: a tagged variant over
// {string, number, boolean, timestamp, bytes, nested-mapping, list}.
// It marshals to plain JSON so any persistence collaborator can store it
// without knowing the tag.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	Byte []byte
	List []Value
	Map  map[string]Value
}

func String(s string) Value             { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value            { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value                 { return Value{Kind: KindBool, Bool: b} }
func Timestamp(t time.Time) Value       { return Value{Kind: KindTimestamp, Time: t} }
func Bytes(b []byte) Value              { return Value{Kind: KindBytes, Byte: b} }
func List(v ...Value) Value             { return Value{Kind: KindList, List: v} }
func Map(m map[string]Value) Value      { return Value{Kind: KindMap, Map: m} }

// Metadata is the typed key-value mapping attached to tasks and events.
type Metadata map[string]Value
