package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"inkprotocol/native/bank"
	"inkprotocol/native/escrow"
)

var errInvalidRequest = errors.New("invalid request")

type transactionView struct {
	ID             uint64 `json:"id"`
	Creator        string `json:"creator"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Amount         string `json:"amount"`
	MetadataHash   string `json:"metadataHash"`
	Policy         string `json:"policy,omitempty"`
	Mediator       string `json:"mediator,omitempty"`
	Owner          string `json:"owner,omitempty"`
	State          string `json:"state"`
	Terminal       bool   `json:"terminal"`
	StateEnteredAt int64  `json:"stateEnteredAt"`
	CreatedAt      int64  `json:"createdAt"`
}

func optionalHex(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func newTransactionView(tx *escrow.Transaction) transactionView {
	amount := "0"
	if tx.Amount != nil {
		amount = tx.Amount.String()
	}
	return transactionView{
		ID:             tx.ID,
		Creator:        tx.Creator.Hex(),
		Buyer:          tx.Buyer.Hex(),
		Seller:         tx.Seller.Hex(),
		Amount:         amount,
		MetadataHash:   tx.MetadataHash.Hex(),
		Policy:         optionalHex(tx.Policy),
		Mediator:       optionalHex(tx.Mediator),
		Owner:          optionalHex(tx.Owner),
		State:          tx.State.String(),
		Terminal:       tx.State.Terminal(),
		StateEnteredAt: tx.StateEnteredAt,
		CreatedAt:      tx.CreatedAt,
	}
}

type createRequest struct {
	Buyer        string          `json:"buyer,omitempty"`
	Seller       string          `json:"seller,omitempty"`
	Amount       string          `json:"amount"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	MetadataHash string          `json:"metadataHash,omitempty"`
	Policy       string          `json:"policy,omitempty"`
	Mediator     string          `json:"mediator,omitempty"`
	Owner        string          `json:"owner,omitempty"`
}

func (req createRequest) params() (escrow.CreateParams, error) {
	var (
		params escrow.CreateParams
		err    error
	)
	fields := []struct {
		name string
		raw  string
		out  *common.Address
	}{
		{"buyer", req.Buyer, &params.Buyer},
		{"seller", req.Seller, &params.Seller},
		{"policy", req.Policy, &params.Policy},
		{"mediator", req.Mediator, &params.Mediator},
		{"owner", req.Owner, &params.Owner},
	}
	for _, field := range fields {
		if *field.out, err = parseOptionalAddress(field.name, field.raw); err != nil {
			return params, err
		}
	}
	if strings.TrimSpace(req.Amount) == "" {
		return params, fmt.Errorf("%w: amount is required", errInvalidRequest)
	}
	if params.Amount, err = bank.ParseAmount(strings.TrimSpace(req.Amount)); err != nil {
		return params, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	params.MetadataHash, err = metadataDigest(req.Metadata, req.MetadataHash)
	return params, err
}

// metadataDigest returns keccak256 of the compacted metadata document, or the
// explicit hash when the caller already computed one.
func metadataDigest(metadata json.RawMessage, explicit string) (common.Hash, error) {
	explicit = strings.TrimSpace(explicit)
	if len(metadata) > 0 && explicit != "" {
		return common.Hash{}, fmt.Errorf("%w: metadata and metadataHash are exclusive", errInvalidRequest)
	}
	if explicit != "" {
		raw := strings.TrimPrefix(strings.TrimPrefix(explicit, "0x"), "0X")
		if len(raw) != 2*common.HashLength {
			return common.Hash{}, fmt.Errorf("%w: metadataHash must be 32 bytes", errInvalidRequest)
		}
		decoded, err := hexutil.Decode("0x" + raw)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: metadataHash: %v", errInvalidRequest, err)
		}
		return common.BytesToHash(decoded), nil
	}
	if len(metadata) == 0 {
		return common.Hash{}, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, metadata); err != nil {
		return common.Hash{}, fmt.Errorf("%w: metadata: %v", errInvalidRequest, err)
	}
	return crypto.Keccak256Hash(compact.Bytes()), nil
}

func parseOptionalAddress(name, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %s is not a valid address", errInvalidRequest, name)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAddress(name, raw string) (common.Address, error) {
	addr, err := parseOptionalAddress(name, raw)
	if err != nil {
		return addr, err
	}
	if addr == (common.Address{}) {
		return addr, fmt.Errorf("%w: %s is required", errInvalidRequest, name)
	}
	return addr, nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: transaction id must be a decimal integer", errInvalidRequest)
	}
	return id, nil
}

type settleRequest struct {
	BuyerAmount  string `json:"buyerAmount"`
	SellerAmount string `json:"sellerAmount"`
}

func (req settleRequest) amounts() (*big.Int, *big.Int, error) {
	buyer, err := bank.ParseAmount(strings.TrimSpace(req.BuyerAmount))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: buyerAmount: %v", errInvalidRequest, err)
	}
	seller, err := bank.ParseAmount(strings.TrimSpace(req.SellerAmount))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sellerAmount: %v", errInvalidRequest, err)
	}
	return buyer, seller, nil
}

type authorizationRequest struct {
	Principal string `json:"principal,omitempty"`
	Agent     string `json:"agent"`
}

type authorizationView struct {
	Principal  string `json:"principal"`
	Agent      string `json:"agent,omitempty"`
	Caller     string `json:"caller,omitempty"`
	Authorized bool   `json:"authorized"`
}

type balanceView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type escrowStatusView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	NextID  uint64 `json:"nextId"`
}
