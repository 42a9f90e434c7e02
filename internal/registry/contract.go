package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"trust-bridge/backend/internal/apperr"
)

// registryABI is the subset of the marketplace registry used here.
const registryABI = `[
  {"type":"function","name":"getSchacHomeOrganizationBackend","stateMutability":"view",
   "inputs":[{"name":"schacHomeOrganization","type":"string"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"adminSetSchacHomeOrganizationBackend","stateMutability":"nonpayable",
   "inputs":[{"name":"institution","type":"address"},{"name":"schacHomeOrganization","type":"string"},{"name":"backendUrl","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"grantInstitutionRole","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"schacHomeOrganization","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"addProvider","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"account","type":"address"},{"name":"email","type":"string"},{"name":"country","type":"string"},{"name":"organization","type":"string"}],
   "outputs":[]}
]`

const (
	methodGetBackend  = "getSchacHomeOrganizationBackend"
	methodSetBackend  = "adminSetSchacHomeOrganizationBackend"
	methodGrantRole   = "grantInstitutionRole"
	methodAddProvider = "addProvider"
)

// ErrNoSigner is returned by writes when no signer key is configured.
var ErrNoSigner = errors.New("registry: no signer key configured")

// Backend is the chain client surface the contract needs; *ethclient.Client implements it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Contract is the registry contract binding. Reads need only a backend; writes need a signer.
type Contract struct {
	address common.Address
	bound   *bind.BoundContract
	backend Backend
	signer  *ecdsa.PrivateKey
	chainID *big.Int
}

// NewContract binds the registry at address. signer may be nil for a read-only binding.
func NewContract(address common.Address, backend Backend, signer *ecdsa.PrivateKey, chainID *big.Int) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	return &Contract{
		address: address,
		bound:   bind.NewBoundContract(address, parsed, backend, backend, backend),
		backend: backend,
		signer:  signer,
		chainID: chainID,
	}, nil
}

// Dial connects to rpcURL and binds the registry at contractAddress. signerKeyHex is optional.
func Dial(ctx context.Context, rpcURL, contractAddress, signerKeyHex string, chainID int64) (*Contract, *ethclient.Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, nil, fmt.Errorf("registry: invalid contract address %q", contractAddress)
	}
	var signer *ecdsa.PrivateKey
	if k := strings.TrimPrefix(strings.TrimSpace(signerKeyHex), "0x"); k != "" {
		key, err := crypto.HexToECDSA(k)
		if err != nil {
			return nil, nil, fmt.Errorf("registry: parse signer key: %w", err)
		}
		signer = key
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: dial %s: %w", rpcURL, err)
	}
	c, err := NewContract(common.HexToAddress(contractAddress), client, signer, big.NewInt(chainID))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return c, client, nil
}

// BackendOf reads the backend registered for institutionID. A revert means no registration.
func (c *Contract) BackendOf(ctx context.Context, institutionID string) (string, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetBackend, institutionID); err != nil {
		if isRevert(err) {
			return "", nil
		}
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	url, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("registry: unexpected %s output %T", methodGetBackend, out[0])
	}
	return url, nil
}

func (c *Contract) SetBackend(ctx context.Context, account common.Address, institutionID, backendURL string) (string, error) {
	return c.transact(ctx, methodSetBackend, account, institutionID, backendURL)
}

func (c *Contract) GrantInstitutionRole(ctx context.Context, account common.Address, institutionID string) (string, error) {
	return c.transact(ctx, methodGrantRole, account, institutionID)
}

func (c *Contract) AddProvider(ctx context.Context, p Provider) (string, error) {
	return c.transact(ctx, methodAddProvider, p.Name, p.Account, p.Email, p.Country, p.Organization)
}

// transact sends method and waits for it to be mined. A failed receipt is an error.
func (c *Contract) transact(ctx context.Context, method string, params ...interface{}) (string, error) {
	if c.signer == nil {
		return "", apperr.Wrap(ErrNoSigner, apperr.CodeConfiguration, "registry signer is not configured")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.signer, c.chainID)
	if err != nil {
		return "", err
	}
	opts.Context = ctx
	tx, err := c.bound.Transact(opts, method, params...)
	if err != nil {
		return "", fmt.Errorf("registry: %s: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("registry: wait %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("registry: %s reverted in tx %s", method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
