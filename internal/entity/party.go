package entity

import "fmt"

type PartyType string

const (
	PartyUser    PartyType = "user"
	PartyPartner PartyType = "partner"
)

// Party is a closed union: the only implementations are User and Partner.
type Party interface {
	PartyID() string
	PartyType() PartyType
	isParty()
}

type User struct {
	ID string
}

func (u User) PartyID() string      { return u.ID }
func (u User) PartyType() PartyType { return PartyUser }
func (User) isParty()               {}

type Partner struct {
	ID string
}

func (p Partner) PartyID() string      { return p.ID }
func (p Partner) PartyType() PartyType { return PartyPartner }
func (Partner) isParty()               {}

// NewParty rebuilds a Party from its stored id and type tag.
func NewParty(typ PartyType, id string) (Party, error) {
	switch typ {
	case PartyUser:
		return User{ID: id}, nil
	case PartyPartner:
		return Partner{ID: id}, nil
	default:
		return nil, fmt.Errorf("unknown party type %q", typ)
	}
}

func SameParty(a, b Party) bool {
	if a == nil || b == nil {
		return false
	}
	return a.PartyType() == b.PartyType() && a.PartyID() == b.PartyID()
}

// Role is the side a party plays in a specific order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) Counterparty() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// partyJSON is the stored/wire shape of a Party.
type partyJSON struct {
	ID   string    `json:"id"`
	Type PartyType `json:"type"`
}

func toPartyJSON(p Party) *partyJSON {
	if p == nil {
		return nil
	}
	return &partyJSON{ID: p.PartyID(), Type: p.PartyType()}
}

func (p *partyJSON) party() (Party, error) {
	if p == nil {
		return nil, nil
	}
	return NewParty(p.Type, p.ID)
}
