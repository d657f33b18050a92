// Package briefing models the session creation request and renders the
// orchestration prompt that opens a ledger run.
package briefing

import (
	"fmt"
	"strings"
)

// Situation is the outcome the simulated group steers the target toward.
type Situation string

const (
	// UsdcDonation asks the target to donate USDC to SituationAddress.
	UsdcDonation Situation = "UsdcDonation"
	// NftMint asks the target to mint the NFT at SituationAddress.
	NftMint Situation = "NftMint"
)

// Valid reports whether s is a known situation.
func (s Situation) Valid() bool { return s == UsdcDonation || s == NftMint }

// Objective phrases the situation as the conversation goal.
func (s Situation) Objective(address string) string {
	switch s {
	case UsdcDonation:
		return fmt.Sprintf("make a USDC donation to %s", address)
	case NftMint:
		return fmt.Sprintf("mint the NFT at %s", address)
	default:
		return string(s)
	}
}

// Brief is a session creation request.
type Brief struct {
	Creator          string    `json:"creator"`
	Target           string    `json:"target"`
	TargetFirstName  string    `json:"targetFirstName"`
	TargetFriend     string    `json:"targetFriend"`
	Situation        Situation `json:"situation"`
	SituationAddress string    `json:"situationAddress"`
	PublicInfo       string    `json:"publicInfo"`
	PrivateInfo      string    `json:"privateInfo"`
	GroupTitle       string    `json:"groupTitle"`
	GroupImage       string    `json:"groupImage,omitempty"`
	GroupID          string    `json:"groupId"`
}

// ValidationError lists every missing or invalid request field.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid session request: " + strings.Join(e.Fields, "; ")
}

// Validate reports every missing required field at once. GroupImage is
// optional.
func (b Brief) Validate() error {
	var fields []string
	required := []struct {
		name  string
		value string
	}{
		{"creator", b.Creator},
		{"target", b.Target},
		{"targetFirstName", b.TargetFirstName},
		{"targetFriend", b.TargetFriend},
		{"situation", string(b.Situation)},
		{"situationAddress", b.SituationAddress},
		{"publicInfo", b.PublicInfo},
		{"privateInfo", b.PrivateInfo},
		{"groupTitle", b.GroupTitle},
		{"groupId", b.GroupID},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			fields = append(fields, f.name+" is required")
		}
	}
	if b.Situation != "" && !b.Situation.Valid() {
		fields = append(fields, fmt.Sprintf("situation %q must be UsdcDonation or NftMint", b.Situation))
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
