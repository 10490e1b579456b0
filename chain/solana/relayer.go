package solana

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
)

// Compute budget a relayed transaction may request. The fee payer pays the
// priority fee, limit times price.
const (
	MaxRelayComputeUnits     uint32 = 1_400_000
	MaxRelayComputeUnitPrice uint64 = 10 * DefaultComputeUnitPrice
)

// Relayer co-signs payer-built transactions as fee payer and submits them.
type Relayer struct {
	client   *Client
	feePayer solana.PrivateKey
}

// NewRelayer creates a Relayer paying fees with feePayer.
func NewRelayer(client *Client, feePayer solana.PrivateKey) *Relayer {
	return &Relayer{client: client, feePayer: feePayer}
}

// FeePayer implements chain.Relayer.
func (r *Relayer) FeePayer() string {
	return r.feePayer.PublicKey().String()
}

// Relay implements chain.Relayer.
func (r *Relayer) Relay(ctx context.Context, transaction string, expect chain.Expectation) (string, error) {
	tx, err := solana.TransactionFromBase64(transaction)
	if err != nil {
		return "", fmt.Errorf("%w: decode transaction: %v", chain.ErrTransferMismatch, err)
	}
	if err := r.check(tx, expect); err != nil {
		return "", err
	}

	feePayerKey := r.feePayer.PublicKey()
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(feePayerKey) {
			return &r.feePayer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("solana: co-sign transaction: %w", err)
	}
	if err := tx.VerifySignatures(); err != nil {
		return "", x402.NewPaymentError(x402.KindInvalidSignature, "solana: transaction signatures do not verify", err)
	}

	return r.client.Submit(ctx, tx)
}

// check enforces that the fee payer is ours, that it does not move its own
// funds, and that the single transfer moves exactly the expected amount to
// the expected recipient.
func (r *Relayer) check(tx *solana.Transaction, expect chain.Expectation) error {
	feePayerKey := r.feePayer.PublicKey()
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(feePayerKey) {
		return fmt.Errorf("%w: fee payer is not %s", chain.ErrTransferMismatch, feePayerKey)
	}

	parsed, err := ParseTransfer(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", chain.ErrTransferMismatch, err)
	}
	if err := r.checkLayout(tx, expect); err != nil {
		return err
	}
	if parsed.Authority.Equals(feePayerKey) {
		return fmt.Errorf("%w: fee payer cannot be the transfer authority", chain.ErrTransferMismatch)
	}
	if expect.From != "" && parsed.Authority.String() != expect.From {
		return fmt.Errorf("%w: authority %s is not payer %s", chain.ErrTransferMismatch, parsed.Authority, expect.From)
	}
	if expect.Amount == nil || new(big.Int).SetUint64(parsed.Amount).Cmp(expect.Amount) != 0 {
		return fmt.Errorf("%w: amount %d", chain.ErrTransferMismatch, parsed.Amount)
	}

	recipient, err := solana.PublicKeyFromBase58(expect.To)
	if err != nil {
		return fmt.Errorf("%w: invalid recipient %q", chain.ErrTransferMismatch, expect.To)
	}

	if expect.Asset == "" {
		if !parsed.Mint.IsZero() || !parsed.Destination.Equals(recipient) {
			return fmt.Errorf("%w: native transfer to %s", chain.ErrTransferMismatch, parsed.Destination)
		}
		return nil
	}

	mint, err := solana.PublicKeyFromBase58(expect.Asset)
	if err != nil {
		return fmt.Errorf("%w: invalid mint %q", chain.ErrTransferMismatch, expect.Asset)
	}
	if !parsed.Mint.Equals(mint) {
		return fmt.Errorf("%w: mint %s", chain.ErrTransferMismatch, parsed.Mint)
	}
	destATA, err := DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return err
	}
	if !parsed.Destination.Equals(destATA) {
		return fmt.Errorf("%w: destination %s is not the recipient's token account", chain.ErrTransferMismatch, parsed.Destination)
	}
	return nil
}

// checkLayout admits only the instructions BuildTransferInstructions emits:
// at most one compute unit limit and price within the relay caps, at most one
// idempotent creation of the recipient's token account, and exactly one
// transfer. The fee payer may appear in no instruction except as the funder
// of that token account.
func (r *Relayer) checkLayout(tx *solana.Transaction, expect chain.Expectation) error {
	if len(tx.Message.AddressTableLookups) > 0 {
		return mismatchf("address table lookups are not accepted")
	}
	feePayerKey := r.feePayer.PublicKey()

	var limits, prices, creates, transfers int
	for i, inst := range tx.Message.Instructions {
		program, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return mismatchf("instruction %d: %v", i, err)
		}
		accounts, err := accountKeys(tx, inst.Accounts)
		if err != nil {
			return mismatchf("instruction %d: %v", i, err)
		}

		funderAt := -1
		switch {
		case program.Equals(ComputeBudgetProgramID):
			if len(accounts) != 0 {
				return mismatchf("instruction %d: compute budget takes no accounts", i)
			}
			switch {
			case len(inst.Data) == 5 && inst.Data[0] == computeUnitLimitDiscriminator:
				limits++
				if units := binary.LittleEndian.Uint32(inst.Data[1:]); units > MaxRelayComputeUnits {
					return mismatchf("compute unit limit %d above %d", units, MaxRelayComputeUnits)
				}
			case len(inst.Data) == 9 && inst.Data[0] == computeUnitPriceDiscriminator:
				prices++
				if price := binary.LittleEndian.Uint64(inst.Data[1:]); price > MaxRelayComputeUnitPrice {
					return mismatchf("compute unit price %d above %d", price, MaxRelayComputeUnitPrice)
				}
			default:
				return mismatchf("instruction %d: unsupported compute budget instruction", i)
			}

		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			creates++
			if err := checkCreateATA(inst.Data, accounts, expect); err != nil {
				return fmt.Errorf("%w: instruction %d: %v", chain.ErrTransferMismatch, i, err)
			}
			funderAt = 0

		case program.Equals(solana.TokenProgramID):
			if len(inst.Data) == 0 || inst.Data[0] != transferCheckedDiscriminator {
				return mismatchf("instruction %d: only TransferChecked is accepted from the token program", i)
			}
			transfers++

		case program.Equals(solana.SystemProgramID):
			if len(inst.Data) < 4 || binary.LittleEndian.Uint32(inst.Data[:4]) != systemTransferDiscriminator {
				return mismatchf("instruction %d: only Transfer is accepted from the system program", i)
			}
			transfers++

		default:
			return mismatchf("instruction %d: program %s is not accepted", i, program)
		}

		for k, key := range accounts {
			if key.Equals(feePayerKey) && k != funderAt {
				return mismatchf("instruction %d references the fee payer", i)
			}
		}
	}

	switch {
	case limits > 1 || prices > 1:
		return mismatchf("repeated compute budget instruction")
	case creates > 1:
		return mismatchf("more than one token account creation")
	case transfers != 1:
		return mismatchf("%d transfers, want exactly one", transfers)
	}
	return nil
}

// checkCreateATA accepts only CreateIdempotent of the recipient's token
// account for the expected mint.
func checkCreateATA(data []byte, accounts []solana.PublicKey, expect chain.Expectation) error {
	if !bytes.Equal(data, []byte{1}) || len(accounts) != 6 {
		return errors.New("only idempotent token account creation is accepted")
	}
	if expect.Asset == "" {
		return errors.New("token account creation in a native payment")
	}
	recipient, err := solana.PublicKeyFromBase58(expect.To)
	if err != nil {
		return fmt.Errorf("invalid recipient %q", expect.To)
	}
	mint, err := solana.PublicKeyFromBase58(expect.Asset)
	if err != nil {
		return fmt.Errorf("invalid mint %q", expect.Asset)
	}
	ata, err := DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return err
	}
	if !accounts[1].Equals(ata) || !accounts[2].Equals(recipient) || !accounts[3].Equals(mint) ||
		!accounts[4].Equals(solana.SystemProgramID) || !accounts[5].Equals(solana.TokenProgramID) {
		return errors.New("token account creation is not for the recipient")
	}
	return nil
}

func mismatchf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{chain.ErrTransferMismatch}, args...)...)
}
