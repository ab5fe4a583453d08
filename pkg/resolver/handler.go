package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/cuemby/burrow/pkg/reqworker"
)

// Handler serves the resolver worker's request vocabulary:
//
//	ptr <ip>     PTR names of ip
//	host <ip>    forward-confirmed host name of ip
//	a <name>     IPv4 addresses of name
//	aaaa <name>  IPv6 addresses of name
//
// Answers are space separated in a single ok response.
type Handler struct {
	Resolver *Resolver
}

var _ reqworker.Handler = (*Handler)(nil)

func (h *Handler) ServeRequest(ctx context.Context, request string, _ func(string)) (string, error) {
	verb, arg, _ := strings.Cut(request, " ")
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("missing argument to %q", verb)
	}

	var answers []string
	var err error
	switch verb {
	case "ptr":
		answers, err = h.Resolver.Reverse(ctx, arg)
	case "host":
		var name string
		name, err = h.Resolver.Host(ctx, arg)
		answers = []string{name}
	case "a":
		answers, err = h.Resolver.Lookup(ctx, dns.TypeA, arg)
	case "aaaa":
		answers, err = h.Resolver.Lookup(ctx, dns.TypeAAAA, arg)
	default:
		return "", fmt.Errorf("unknown query %q", verb)
	}
	if err != nil {
		return "", err
	}
	return strings.Join(answers, " "), nil
}
