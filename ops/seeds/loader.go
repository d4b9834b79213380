// Package seeds loads bootstrap fixtures from a YAML document: equivalents,
// participants with their public keys, and initial trust lines. Intended for
// dev and staging hubs; loading is idempotent, existing rows are left alone.
package seeds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/crypto"
	"geohub/storage"
)

// Document is the root of a seed file.
type Document struct {
	Equivalents  []EquivalentSeed  `yaml:"equivalents"`
	Participants []ParticipantSeed `yaml:"participants"`
	TrustLines   []TrustLineSeed   `yaml:"trust_lines"`
}

// EquivalentSeed declares a unit of account.
type EquivalentSeed struct {
	Code      string `yaml:"code"`
	Precision int32  `yaml:"precision"`
	Metadata  string `yaml:"metadata"`
}

// ParticipantSeed declares a member by public key. The PID is derived, never
// written in the file.
type ParticipantSeed struct {
	PublicKey string `yaml:"public_key"`
	Profile   string `yaml:"profile"`
}

// TrustLineSeed declares a directed credit limit. From and To are public
// keys, resolved to PIDs at load time.
type TrustLineSeed struct {
	From                string   `yaml:"from"`
	To                  string   `yaml:"to"`
	Equivalent          string   `yaml:"equivalent"`
	Limit               string   `yaml:"limit"`
	AutoClearing        *bool    `yaml:"auto_clearing"`
	CanIntermediate     *bool    `yaml:"can_be_intermediate"`
	BlockedParticipants []string `yaml:"blocked_participants"`
}

// Summary counts what a load created.
type Summary struct {
	Equivalents  int
	Participants int
	TrustLines   int
}

// LoadFile parses and applies a seed file.
func LoadFile(ctx context.Context, store *storage.Store, path string) (Summary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("seeds: read %s: %w", path, err)
	}
	var doc Document
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return Summary{}, fmt.Errorf("seeds: parse %s: %w", path, err)
	}
	return Load(ctx, store, doc)
}

// Load applies a seed document inside one transaction.
func Load(ctx context.Context, store *storage.Store, doc Document) (Summary, error) {
	var summary Summary
	err := store.WithTx(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		pids := map[string]string{}

		for _, seed := range doc.Equivalents {
			code := strings.ToUpper(strings.TrimSpace(seed.Code))
			if err := storage.ValidateEquivalent(code, seed.Precision); err != nil {
				return fmt.Errorf("seeds: equivalent %s: %w", seed.Code, err)
			}
			if _, err := storage.GetEquivalent(tx, code); err == nil {
				continue
			} else if err != storage.ErrNotFound {
				return err
			}
			eq := storage.Equivalent{
				Code:      code,
				Precision: seed.Precision,
				Metadata:  seed.Metadata,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&eq).Error; err != nil {
				return fmt.Errorf("seeds: create equivalent %s: %w", code, err)
			}
			summary.Equivalents++
		}

		for _, seed := range doc.Participants {
			key := strings.TrimSpace(seed.PublicKey)
			parsed, err := crypto.ParsePublicKey(key)
			if err != nil {
				return fmt.Errorf("seeds: participant key %s: %w", key, err)
			}
			derived, err := crypto.DerivePID(parsed)
			if err != nil {
				return fmt.Errorf("seeds: participant key %s: %w", key, err)
			}
			pid := derived.String()
			pids[key] = pid
			if _, err := storage.GetParticipant(tx, pid); err == nil {
				continue
			} else if err != storage.ErrNotFound {
				return err
			}
			member := storage.Participant{
				PID:       pid,
				PublicKey: key,
				Profile:   seed.Profile,
				Status:    storage.ParticipantActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&member).Error; err != nil {
				return fmt.Errorf("seeds: create participant %s: %w", pid, err)
			}
			summary.Participants++
		}

		for _, seed := range doc.TrustLines {
			from, err := resolvePID(tx, pids, seed.From)
			if err != nil {
				return err
			}
			to, err := resolvePID(tx, pids, seed.To)
			if err != nil {
				return err
			}
			if from == to {
				return fmt.Errorf("seeds: trust line lender and borrower must differ (%s)", from)
			}
			code := strings.ToUpper(strings.TrimSpace(seed.Equivalent))
			eq, err := storage.GetEquivalent(tx, code)
			if err != nil {
				return fmt.Errorf("seeds: trust line equivalent %s: %w", code, err)
			}
			limit, err := codec.ParseAmount(seed.Limit, eq.Precision)
			if err != nil {
				return fmt.Errorf("seeds: trust line %s->%s limit: %w", from, to, err)
			}
			if _, err := storage.GetTrustLine(tx, from, to, code); err == nil {
				continue
			} else if err != storage.ErrNotFound {
				return err
			}
			line := storage.TrustLine{
				ID:              uuid.New(),
				FromParticipant: from,
				ToParticipant:   to,
				Equivalent:      code,
				Limit:           codec.CanonicalDecimal(limit),
				Status:          storage.TrustLineActive,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			policy := storage.Policy{
				AutoClearing:        true,
				CanBeIntermediate:   true,
				BlockedParticipants: seed.BlockedParticipants,
			}
			if seed.AutoClearing != nil {
				policy.AutoClearing = *seed.AutoClearing
			}
			if seed.CanIntermediate != nil {
				policy.CanBeIntermediate = *seed.CanIntermediate
			}
			if err := line.EncodePolicy(policy); err != nil {
				return err
			}
			if err := tx.Create(&line).Error; err != nil {
				return fmt.Errorf("seeds: create trust line %s->%s %s: %w", from, to, code, err)
			}
			summary.TrustLines++
		}
		return nil
	})
	return summary, err
}

// resolvePID maps a seed reference to a PID: a public key from the same
// document, a raw public key already registered, or a literal PID.
func resolvePID(tx *gorm.DB, pids map[string]string, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if pid, ok := pids[ref]; ok {
		return pid, nil
	}
	if parsed, err := crypto.ParsePublicKey(ref); err == nil {
		derived, err := crypto.DerivePID(parsed)
		if err != nil {
			return "", fmt.Errorf("seeds: key %s: %w", ref, err)
		}
		pid := derived.String()
		if _, err := storage.GetParticipant(tx, pid); err != nil {
			return "", fmt.Errorf("seeds: key %s resolves to unregistered participant %s", ref, pid)
		}
		return pid, nil
	}
	if _, err := storage.GetParticipant(tx, ref); err != nil {
		return "", fmt.Errorf("seeds: unknown participant reference %q", ref)
	}
	return ref, nil
}
