// Package capability encodes and decodes the typed payloads that ride on
// thread messages. The set of variants is closed: anything the codec does
// not recognise is skipped with a warning rather than failing the message.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Skipped describes a capability entry that could not be decoded.
type Skipped struct {
	Index  int                  `json:"index"`
	Type   models.CapabilityTag `json:"type"`
	Reason string               `json:"reason"`
}

// Report is the full result of decoding a message.
type Report struct {
	Capabilities []models.Capability
	Skipped      []Skipped
}

// Decode returns the typed capabilities carried by msg, or an empty list.
func Decode(msg models.Message) []models.Capability {
	return DecodeReport(msg).Capabilities
}

// DecodeReport decodes every envelope on msg and records what was skipped.
func DecodeReport(msg models.Message) Report {
	var rep Report
	for i, env := range msg.Capabilities {
		c, err := decodeEnvelope(env)
		if err != nil {
			log.Warn().
				Str("message", msg.ID).
				Str("thread", msg.ThreadID).
				Str("type", string(env.Type)).
				Int("version", env.Version).
				Err(err).
				Msg("Skipping capability")
			rep.Skipped = append(rep.Skipped, Skipped{Index: i, Type: env.Type, Reason: err.Error()})
			continue
		}
		rep.Capabilities = append(rep.Capabilities, c)
	}
	return rep
}

func decodeEnvelope(env models.CapabilityEnvelope) (models.Capability, error) {
	switch env.Type {
	case models.CapPaymentRequest:
		var pr models.PaymentRequest
		if err := decodePayload(env, pr.Version(), &pr); err != nil {
			return nil, err
		}
		if pr.SubscriptionID == "" || pr.Currency == "" {
			return nil, fmt.Errorf("payment_request missing subscription_id or currency")
		}
		if _, ok := models.ParseAmount(pr.Amount); !ok {
			return nil, fmt.Errorf("payment_request amount %q is not a decimal", pr.Amount)
		}
		return pr, nil

	case models.CapWalletAction:
		var wa models.WalletAction
		if err := decodePayload(env, wa.Version(), &wa); err != nil {
			return nil, err
		}
		wa.TransactionHash = strings.TrimSpace(wa.TransactionHash)
		if wa.TransactionHash == "" {
			return nil, fmt.Errorf("wallet_action missing transaction_hash")
		}
		if wa.Amount != "" {
			if _, ok := models.ParseAmount(wa.Amount); !ok {
				return nil, fmt.Errorf("wallet_action amount %q is not a decimal", wa.Amount)
			}
		}
		return wa, nil

	default:
		return nil, fmt.Errorf("unknown capability type")
	}
}

// decodePayload rejects versions newer than we understand. A missing
// version is read as 1.
func decodePayload(env models.CapabilityEnvelope, supported int, out interface{}) error {
	if env.Version > supported {
		return fmt.Errorf("unsupported version %d (max %d)", env.Version, supported)
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// Encode converts a typed capability into its wire envelope. Payload field
// order is fixed by the struct definitions, so equal inputs give equal bytes.
func Encode(c models.Capability) (models.CapabilityEnvelope, error) {
	switch c.(type) {
	case models.PaymentRequest, models.WalletAction:
	case *models.PaymentRequest, *models.WalletAction:
	default:
		return models.CapabilityEnvelope{}, fmt.Errorf("cannot encode capability %T", c)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return models.CapabilityEnvelope{}, fmt.Errorf("encode %s: %w", c.Tag(), err)
	}
	return models.CapabilityEnvelope{Type: c.Tag(), Version: c.Version(), Payload: payload}, nil
}

// Marshal returns the canonical bytes of the encoded envelope.
func Marshal(c models.Capability) ([]byte, error) {
	env, err := Encode(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Digest returns the hex SHA-256 of the canonical encoding.
func Digest(c models.Capability) (string, error) {
	b, err := Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// PaymentRequestFrom returns the first PaymentRequest carried by msg.
func PaymentRequestFrom(msg models.Message) (models.PaymentRequest, bool) {
	for _, c := range Decode(msg) {
		if pr, ok := c.(models.PaymentRequest); ok {
			return pr, true
		}
	}
	return models.PaymentRequest{}, false
}

// WalletActionFrom returns the WalletAction carried by msg, falling back to
// structured_data.transaction_hash for clients that do not attach capabilities.
func WalletActionFrom(msg models.Message) (models.WalletAction, bool) {
	for _, c := range Decode(msg) {
		if wa, ok := c.(models.WalletAction); ok {
			return wa, true
		}
	}
	if hash := msg.Field("transaction_hash"); hash != "" {
		return models.WalletAction{
			TransactionHash: hash,
			Recipient:       msg.Field("recipient"),
			Amount:          msg.Field("amount"),
			Currency:        msg.Field("currency"),
		}, true
	}
	return models.WalletAction{}, false
}
