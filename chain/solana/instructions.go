package solana

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// DefaultComputeUnits is the default compute unit limit for transactions.
const DefaultComputeUnits uint32 = 200_000

// DefaultComputeUnitPrice is the default compute unit price in microlamports.
const DefaultComputeUnitPrice uint64 = 10_000

// Instruction discriminators.
const (
	computeUnitLimitDiscriminator = 2
	computeUnitPriceDiscriminator = 3
	transferCheckedDiscriminator  = 12
	systemTransferDiscriminator   = 2
)

// ErrNoTransfer is returned by ParseTransfer when a transaction carries no
// transfer instruction.
var ErrNoTransfer = errors.New("solana: no transfer instruction")

// BuildTransferCheckedInstruction creates an SPL Token TransferChecked instruction.
func BuildTransferCheckedInstruction(
	source, mint, destination solana.PublicKey,
	owner solana.PublicKey,
	amount uint64,
	decimals uint8,
) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

// BuildSystemTransferInstruction creates a native SOL transfer.
func BuildSystemTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// BuildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction.
// Format: [2, units (u32 little-endian)]
func BuildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeUnitLimitDiscriminator
	binary.LittleEndian.PutUint32(data[1:], units)

	return solana.NewInstruction(
		ComputeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// BuildSetComputeUnitPriceInstruction creates a SetComputeUnitPrice instruction.
// Format: [3, microlamports (u64 little-endian)]
func BuildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeUnitPriceDiscriminator
	binary.LittleEndian.PutUint64(data[1:], microlamports)

	return solana.NewInstruction(
		ComputeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// DeriveAssociatedTokenAddress derives an Associated Token Account (ATA) address.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// BuildCreateIdempotentATAInstruction creates an idempotent Associated Token
// Account creation instruction. CreateIdempotent succeeds when the account
// already exists.
//
// Accounts:
// [0] payer (signer, writable)
// [1] associatedToken (writable)
// [2] owner
// [3] mint
// [4] systemProgram
// [5] tokenProgram
func BuildCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		accounts,
		[]byte{1},
	), nil
}

// TransferParams describes a payment transfer.
type TransferParams struct {
	// Owner is the paying wallet.
	Owner solana.PublicKey
	// Recipient is the receiving wallet (not its token account).
	Recipient solana.PublicKey
	// FeePayer funds fees and, for SPL transfers, the recipient's token account.
	FeePayer solana.PublicKey
	// Mint is the SPL mint; the zero key means native SOL.
	Mint     solana.PublicKey
	Decimals uint8
	Amount   uint64
}

// BuildTransferInstructions returns the instructions of a payment transfer:
// compute budget, then either a system transfer or an idempotent ATA creation
// followed by TransferChecked.
func BuildTransferInstructions(p TransferParams) ([]solana.Instruction, error) {
	instructions := []solana.Instruction{
		BuildSetComputeUnitLimitInstruction(DefaultComputeUnits),
		BuildSetComputeUnitPriceInstruction(DefaultComputeUnitPrice),
	}

	if p.Mint.IsZero() {
		return append(instructions, BuildSystemTransferInstruction(p.Owner, p.Recipient, p.Amount)), nil
	}

	sourceATA, err := DeriveAssociatedTokenAddress(p.Owner, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to find source ATA: %w", err)
	}
	destATA, err := DeriveAssociatedTokenAddress(p.Recipient, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to find destination ATA: %w", err)
	}
	createATA, err := BuildCreateIdempotentATAInstruction(p.FeePayer, p.Recipient, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ATA creation instruction: %w", err)
	}

	return append(instructions,
		createATA,
		BuildTransferCheckedInstruction(sourceATA, p.Mint, destATA, p.Owner, p.Amount, p.Decimals),
	), nil
}

// ParsedTransfer is the transfer found in a transaction's instructions.
type ParsedTransfer struct {
	// Authority signs for the moved funds.
	Authority solana.PublicKey
	// Destination is the receiving account: the wallet for native transfers,
	// the token account for SPL transfers.
	Destination solana.PublicKey
	// Mint is zero for native transfers.
	Mint   solana.PublicKey
	Amount uint64
}

// ParseTransfer finds the single transfer instruction of tx. Transactions
// with no transfer, or with more than one, are rejected.
func ParseTransfer(tx *solana.Transaction) (*ParsedTransfer, error) {
	var found *ParsedTransfer
	for i, inst := range tx.Message.Instructions {
		program, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}

		var parsed *ParsedTransfer
		switch {
		case program.Equals(solana.TokenProgramID) && len(inst.Data) > 0 && inst.Data[0] == transferCheckedDiscriminator:
			if len(inst.Data) != 10 || len(inst.Accounts) < 4 {
				return nil, fmt.Errorf("instruction %d: malformed TransferChecked", i)
			}
			accounts, err := accountKeys(tx, inst.Accounts[:4])
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			parsed = &ParsedTransfer{
				Mint:        accounts[1],
				Destination: accounts[2],
				Authority:   accounts[3],
				Amount:      binary.LittleEndian.Uint64(inst.Data[1:9]),
			}
		case program.Equals(solana.SystemProgramID) && len(inst.Data) >= 4 &&
			binary.LittleEndian.Uint32(inst.Data[:4]) == systemTransferDiscriminator:
			if len(inst.Data) != 12 || len(inst.Accounts) < 2 {
				return nil, fmt.Errorf("instruction %d: malformed system transfer", i)
			}
			accounts, err := accountKeys(tx, inst.Accounts[:2])
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			parsed = &ParsedTransfer{
				Authority:   accounts[0],
				Destination: accounts[1],
				Amount:      binary.LittleEndian.Uint64(inst.Data[4:12]),
			}
		default:
			continue
		}

		if found != nil {
			return nil, fmt.Errorf("solana: transaction carries more than one transfer")
		}
		found = parsed
	}
	if found == nil {
		return nil, ErrNoTransfer
	}
	return found, nil
}

func accountKeys(tx *solana.Transaction, indexes []uint16) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, len(indexes))
	for i, idx := range indexes {
		key, err := tx.Message.Account(idx)
		if err != nil {
			return nil, err
		}
		out[i] = key
	}
	return out, nil
}
