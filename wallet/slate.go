package wallet

import (
	"encoding/json"

	"github.com/blockcypher/libgrin/core"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mwkit/slatewallet/ledger"
)

// CurrentSlateVersion is the one slate format this engine speaks. All
// participants must agree on the version before round 1; a slate with an
// unknown version is rejected before any round processing.
const CurrentSlateVersion uint16 = 3

const blockHeaderVersion uint16 = 2

// Slate is the negotiation record exchanged between transaction
// participants. Each party holds its own copy; only the serialized form
// crosses the boundary.
type Slate struct {
	VersionInfo     VersionCompatInfo `json:"version_info"`
	NumParticipants uint              `json:"num_participants"`
	// Transaction carries the aggregated body under construction and the
	// slate id.
	Transaction ledger.Transaction `json:"tx"`
	// Amount excluding fee.
	Amount     core.Uint64 `json:"amount"`
	Fee        core.Uint64 `json:"fee"`
	Height     core.Uint64 `json:"height"`
	LockHeight core.Uint64 `json:"lock_height"`
	// CreatedAt is the unix time the negotiation started; together with a
	// configured TTL it decides expiry.
	CreatedAt int64 `json:"created_at"`
	// Round counts completed protocol phases.
	Round           uint8             `json:"round"`
	ParticipantData []ParticipantData `json:"participant_data"`
}

// ParticipantData is the public contribution of one party.
type ParticipantData struct {
	// ID of the participant: 0 is the initiator, 1 the responder.
	ID core.Uint64 `json:"id"`
	// Public key of the participant's blinding excess.
	PublicBlindExcess string `json:"public_blind_excess"`
	// Public key of the participant's signing nonce.
	PublicNonce string `json:"public_nonce"`
	// Partial Schnorr signature over the kernel message, hex, once made.
	PartSig *string `json:"part_sig"`
	// Optional opaque message to the other participants.
	Message *string `json:"message"`
	// Signature over Message with the blinding excess key.
	MessageSig *string `json:"message_sig"`
}

// VersionCompatInfo is the slate versioning block.
type VersionCompatInfo struct {
	Version            uint16 `json:"version"`
	OrigVersion        uint16 `json:"orig_version"`
	BlockHeaderVersion uint16 `json:"block_header_version"`
}

func newVersionInfo() VersionCompatInfo {
	return VersionCompatInfo{
		Version:            CurrentSlateVersion,
		OrigVersion:        CurrentSlateVersion,
		BlockHeaderVersion: blockHeaderVersion,
	}
}

// ID is the slate id carried by the embedded transaction.
func (s *Slate) ID() uuid.UUID {
	return s.Transaction.ID
}

func (s *Slate) Bytes() ([]byte, error) {
	slateBytes, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal slate to json")
	}
	return slateBytes, nil
}

// ParseSlate unmarshals slate bytes and checks the version and body shape.
// Slate bytes come from the counterparty, so a malformed document must fail
// here with an error, never reach round processing.
func ParseSlate(slateBytes []byte) (*Slate, error) {
	slate := &Slate{}
	err := json.Unmarshal(slateBytes, slate)
	if err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal json to slate")
	}

	if slate.VersionInfo.Version != CurrentSlateVersion {
		return nil, errors.Errorf("unsupported slate version %d, want %d",
			slate.VersionInfo.Version, CurrentSlateVersion)
	}
	if len(slate.Transaction.Body.Kernels) != 1 {
		return nil, errors.Errorf("slate must carry exactly one kernel, got %d",
			len(slate.Transaction.Body.Kernels))
	}
	for i := range slate.ParticipantData {
		p := &slate.ParticipantData[i]
		if p.PublicBlindExcess == "" || p.PublicNonce == "" {
			return nil, errors.Errorf("participant %d is missing its public contribution", p.ID)
		}
	}

	return slate, nil
}

// ParseIDFromSlate extracts only the slate id, for callers naming files or
// records before fully processing the slate.
func ParseIDFromSlate(slateBytes []byte) (uuid.UUID, error) {
	slate := Slate{}
	err := json.Unmarshal(slateBytes, &slate)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "cannot unmarshal slate from json")
	}
	return slate.ID(), nil
}

func (s *Slate) participant(role ParticipantRole) *ParticipantData {
	for i := range s.ParticipantData {
		if ParticipantRole(s.ParticipantData[i].ID) == role {
			return &s.ParticipantData[i]
		}
	}
	return nil
}
