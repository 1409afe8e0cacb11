package gateway

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/freelancesl/escrow-pay/config"
	"github.com/freelancesl/escrow-pay/models"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
)

// Stellar collects payments into an escrow account on the Stellar network and
// pays out from it. The payer signs the collection envelope in their wallet;
// its hash is the provider reference.
type Stellar struct {
	name   string
	client horizonclient.ClientInterface
	cfg    config.StellarConfig
}

func NewStellar(name string, cfg config.StellarConfig, client horizonclient.ClientInterface) *Stellar {
	if client == nil {
		client = &horizonclient.Client{HorizonURL: cfg.HorizonURL}
	}
	return &Stellar{name: name, client: client, cfg: cfg}
}

func (s *Stellar) Name() string { return s.name }

// PayerContact addresses Stellar payers by account, not phone.
func (s *Stellar) PayerContact(u *models.User) string {
	return u.StellarAddress
}

func (s *Stellar) asset() txnbuild.Asset {
	if s.cfg.AssetCode == "" || s.cfg.AssetCode == "XLM" {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: s.cfg.AssetCode, Issuer: s.cfg.AssetIssuer}
}

func (s *Stellar) Initiate(ctx context.Context, req payments.InitiateRequest) payments.InitiateResult {
	if err := ctx.Err(); err != nil {
		return payments.InitiateResult{Message: err.Error()}
	}
	if _, err := keypair.ParseAddress(req.PayerContact); err != nil {
		return payments.InitiateResult{Message: fmt.Sprintf("invalid payer account: %v", err)}
	}

	sourceAccount, err := horizonCall(ctx, func() (horizon.Account, error) {
		return s.client.AccountDetail(horizonclient.AccountRequest{AccountID: req.PayerContact})
	})
	if err != nil {
		return payments.InitiateResult{Message: fmt.Sprintf("failed to load payer account: %v", err)}
	}

	tx, err := txnbuild.NewTransaction(
		txnbuild.TransactionParams{
			SourceAccount:        &sourceAccount,
			IncrementSequenceNum: true,
			BaseFee:              txnbuild.MinBaseFee,
			Memo:                 txnbuild.MemoHash(sha256.Sum256([]byte(req.IdempotencyKey))),
			Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
			Operations: []txnbuild.Operation{
				&txnbuild.Payment{
					Destination: s.cfg.EscrowAccount,
					Amount:      req.Amount.StringFixed(2),
					Asset:       s.asset(),
				},
			},
		},
	)
	if err != nil {
		return payments.InitiateResult{Message: fmt.Sprintf("failed to build escrow transaction: %v", err)}
	}

	hash, err := tx.HashHex(s.cfg.NetworkPassphrase)
	if err != nil {
		return payments.InitiateResult{Message: fmt.Sprintf("failed to hash escrow transaction: %v", err)}
	}
	envelope, err := tx.Base64()
	if err != nil {
		return payments.InitiateResult{Message: fmt.Sprintf("failed to encode transaction to XDR: %v", err)}
	}

	return payments.InitiateResult{
		ProviderReference: hash,
		Accepted:          true,
		Message:           "Sign and submit the escrow transaction from your wallet.",
		Extra:             map[string]string{"envelope_xdr": envelope},
	}
}

func (s *Stellar) CheckStatus(ctx context.Context, providerReference string) (payments.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return payments.StatusResult{}, err
	}

	tx, err := horizonCall(ctx, func() (horizon.Transaction, error) {
		return s.client.TransactionDetail(providerReference)
	})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return payments.StatusResult{Outcome: payments.OutcomePending, Message: "not yet submitted"}, nil
		}
		return payments.StatusResult{}, fmt.Errorf("failed to load transaction %s: %w", providerReference, err)
	}
	if !tx.Successful {
		return payments.StatusResult{Outcome: payments.OutcomeFailure, Message: "stellar transaction failed"}, nil
	}
	return payments.StatusResult{Outcome: payments.OutcomeSuccess, Message: "ledger " + fmt.Sprint(tx.Ledger)}, nil
}

func (s *Stellar) Release(ctx context.Context, req payments.ReleaseRequest) payments.ReleaseResult {
	if err := ctx.Err(); err != nil {
		return payments.ReleaseResult{Message: err.Error()}
	}
	if _, err := keypair.ParseAddress(req.PayeeAccount); err != nil {
		return payments.ReleaseResult{Message: "payee has no valid stellar account"}
	}

	escrowKP, err := keypair.ParseFull(s.cfg.EscrowSecret)
	if err != nil {
		return payments.ReleaseResult{Message: fmt.Sprintf("invalid escrow secret: %v", err)}
	}

	escrowAccount, err := horizonCall(ctx, func() (horizon.Account, error) {
		return s.client.AccountDetail(horizonclient.AccountRequest{AccountID: escrowKP.Address()})
	})
	if err != nil {
		return payments.ReleaseResult{Message: fmt.Sprintf("failed to load escrow account: %v", err)}
	}

	tx, err := txnbuild.NewTransaction(
		txnbuild.TransactionParams{
			SourceAccount:        &escrowAccount,
			IncrementSequenceNum: true,
			BaseFee:              txnbuild.MinBaseFee,
			Memo:                 txnbuild.MemoText(fmt.Sprintf("release %.20s", req.ProviderReference)),
			Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
			Operations: []txnbuild.Operation{
				&txnbuild.Payment{
					Destination: req.PayeeAccount,
					Amount:      req.Amount.StringFixed(2),
					Asset:       s.asset(),
				},
			},
		},
	)
	if err != nil {
		return payments.ReleaseResult{Message: fmt.Sprintf("failed to build release transaction: %v", err)}
	}

	tx, err = tx.Sign(s.cfg.NetworkPassphrase, escrowKP)
	if err != nil {
		return payments.ReleaseResult{Message: fmt.Sprintf("failed to sign release transaction: %v", err)}
	}

	resp, err := horizonCall(ctx, func() (horizon.Transaction, error) {
		return s.client.SubmitTransaction(tx)
	})
	if err != nil {
		return payments.ReleaseResult{Message: fmt.Sprintf("failed to submit release transaction: %v", err)}
	}

	return payments.ReleaseResult{Accepted: true, Message: "released in transaction " + resp.Hash}
}

// horizonCall bounds a Horizon request by ctx. The client has no per-request
// context, so the request itself may still finish in the background.
func horizonCall[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
