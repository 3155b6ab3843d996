// Package routing picks the network route for each upstream synthesis
// attempt.
//
// # Overview
//
// A Selector holds an ordered pool of relay addresses and hands them out in
// round-robin order. A relay that fails MaxFailures times in a row is put in
// cooldown and skipped until the cooldown expires. Expiry is evaluated
// lazily on the next Next or Status call. When the pool is empty or every
// relay is cooling down, Next reports the direct route.
//
// # Usage
//
//	sel := routing.NewSelector(routing.Config{
//	    Addresses: []string{"http://relay-1:3128", "http://relay-2:3128"},
//	})
//
//	route, ok := sel.Next()
//	if !ok {
//	    route = routing.Direct
//	}
//	if err := call(route); err != nil {
//	    sel.MarkFailure(route)
//	} else {
//	    sel.MarkSuccess(route)
//	}
package routing
