package mocks

import (
	"context"
	"slices"
	"sync"

	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/publisher"
)

// Publisher keeps challenge records in memory.
type Publisher struct {
	sync.Mutex
	// Records maps a challenge record name to its values.
	Records map[string][]string
	// Fail makes the next n publishes of a domain fail.
	Fail map[string]int
	// Publishes and Withdrawals count calls per domain.
	Publishes   map[string]int
	Withdrawals map[string]int
}

var _ publisher.Publisher = (*Publisher)(nil)

// NewPublisher returns an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		Records:     make(map[string][]string),
		Fail:        make(map[string]int),
		Publishes:   make(map[string]int),
		Withdrawals: make(map[string]int),
	}
}

func (p *Publisher) Publish(_ context.Context, domain, value string) error {
	p.Lock()
	defer p.Unlock()
	p.Publishes[domain]++
	if p.Fail[domain] > 0 {
		p.Fail[domain]--
		return berrors.ChallengePublishError("name server unavailable for %s", domain)
	}
	name := core.ChallengeName(domain)
	if !slices.Contains(p.Records[name], value) {
		p.Records[name] = append(p.Records[name], value)
	}
	return nil
}

func (p *Publisher) Withdraw(_ context.Context, domain, value string) error {
	p.Lock()
	defer p.Unlock()
	p.Withdrawals[domain]++
	name := core.ChallengeName(domain)
	p.Records[name] = slices.DeleteFunc(p.Records[name], func(v string) bool { return v == value })
	if len(p.Records[name]) == 0 {
		delete(p.Records, name)
	}
	return nil
}

// Has reports whether the challenge record of domain currently has value.
func (p *Publisher) Has(domain, value string) bool {
	p.Lock()
	defer p.Unlock()
	return slices.Contains(p.Records[core.ChallengeName(domain)], value)
}

// Empty reports whether no record is published.
func (p *Publisher) Empty() bool {
	p.Lock()
	defer p.Unlock()
	return len(p.Records) == 0
}
