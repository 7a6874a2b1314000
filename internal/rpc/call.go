package rpc

import "fmt"

// Kind is the wire tag of a call variant.
type Kind string

const (
	KindName     Kind = "Name"
	KindLocation Kind = "Location"
	KindYear     Kind = "Year"
)

// Call is a query an originator can send to a router or a worker.
//
// The set of variants is closed: ByName, ByLocation and ByYear are the only
// implementations. Calls are passed by value.
type Call interface {
	// Kind returns the wire tag of the variant.
	Kind() Kind

	// body returns the variant payload as it is encoded under its tag.
	body() any
}

// ByName selects records whose name matches exactly.
type ByName struct {
	Name string `json:"name"`
}

// ByLocation selects records whose location matches exactly.
type ByLocation struct {
	Location string `json:"location"`
}

// ByYear selects records matching both location and year.
type ByYear struct {
	Location string `json:"location"`
	Year     uint16 `json:"year"`
}

func (ByName) Kind() Kind     { return KindName }
func (ByLocation) Kind() Kind { return KindLocation }
func (ByYear) Kind() Kind     { return KindYear }

func (c ByName) body() any     { return c }
func (c ByLocation) body() any { return c }
func (c ByYear) body() any     { return c }

// Visitor handles every call variant. Adding a variant to Call adds a
// method here, which breaks every dispatch site until it handles it.
type Visitor[T any] interface {
	VisitByName(ByName) T
	VisitByLocation(ByLocation) T
	VisitByYear(ByYear) T
}

// Visit dispatches c to the matching method of v.
func Visit[T any](c Call, v Visitor[T]) T {
	switch c := c.(type) {
	case ByName:
		return v.VisitByName(c)
	case ByLocation:
		return v.VisitByLocation(c)
	case ByYear:
		return v.VisitByYear(c)
	}
	panic(fmt.Sprintf("rpc: unhandled call variant %T", c))
}

// Variants returns one sample of every call variant, in declaration order.
func Variants() []Call {
	return []Call{
		ByName{Name: "rakin"},
		ByLocation{Location: "Kansas City"},
		ByYear{Location: "Kansas City", Year: 2018},
	}
}
