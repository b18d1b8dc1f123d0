package app

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/cryptodca/config"
	"github.com/vadiminshakov/cryptodca/internal/clients/evm"
	"github.com/vadiminshakov/cryptodca/internal/services/bank"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"github.com/vadiminshakov/cryptodca/internal/services/keeper"
	"github.com/vadiminshakov/cryptodca/internal/services/pricer"
	"github.com/vadiminshakov/cryptodca/internal/services/router"
	"github.com/vadiminshakov/cryptodca/internal/storage/bankstate"
	"go.uber.org/zap"
)

// settlementProvider supplies the custody account and the collaborators that move assets.
type settlementProvider interface {
	Transfer() engine.AssetTransfer
	Settler() engine.Settler
	Quoter() keeper.Quoter
	Custody() common.Address
	Close()
}

// newSettlementProvider is the single point where the settlement mode is dispatched.
func newSettlementProvider(ctx context.Context, cfg config.Config, logger *zap.Logger) (settlementProvider, error) {
	switch cfg.Settlement {
	case config.SettlementSimulate:
		return newSimulateProvider(cfg, logger)
	case config.SettlementEVM:
		client, err := evm.Dial(ctx, cfg.EVM.RPCURL, cfg.EVM.PrivateKey, cfg.Registry.Router,
			evm.WithLogger(logger.Named("evm")),
			evm.WithDeadline(cfg.EVM.Deadline))
		if err != nil {
			return nil, errors.Wrap(err, "connect evm")
		}
		logger.Info("evm settlement ready", zap.String("custody", client.Custody().Hex()))
		return &evmProvider{client: client}, nil
	default:
		return nil, errors.Errorf("unsupported settlement %q", cfg.Settlement)
	}
}

type simulateProvider struct {
	bank    *bank.Bank
	router  *router.Router
	account *bank.Account
	custody common.Address
}

func newSimulateProvider(cfg config.Config, logger *zap.Logger) (*simulateProvider, error) {
	store, err := bankstate.NewStore(cfg.Storage.BankDir)
	if err != nil {
		return nil, errors.Wrap(err, "open bank state")
	}
	b, err := bank.New(logger.Named("bank"), store)
	if err != nil {
		return nil, err
	}

	if b.Fresh() {
		if err := seedBank(b, cfg); err != nil {
			return nil, errors.Wrap(err, "seed bank")
		}
	}

	p := pricer.NewStaticPricer()
	for _, price := range cfg.Simulate.Prices {
		if err := p.SetPrice(price.Pair, price.Rate); err != nil {
			return nil, errors.Wrapf(err, "price %s", price.Pair.String())
		}
	}

	r, err := router.New(b, p, cfg.Simulate.Pool, cfg.Custody,
		router.WithLogger(logger.Named("router")),
		router.WithHaircut(cfg.Simulate.HaircutBps))
	if err != nil {
		return nil, err
	}

	return &simulateProvider{
		bank:    b,
		router:  r,
		account: bank.NewAccount(b, cfg.Custody),
		custody: cfg.Custody,
	}, nil
}

func seedBank(b *bank.Bank, cfg config.Config) error {
	for _, seed := range cfg.Simulate.Balances {
		if err := b.Mint(seed.Asset, seed.Account, seed.Amount); err != nil {
			return err
		}
		if seed.Approve {
			if err := b.Approve(seed.Asset, seed.Account, cfg.Custody, seed.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *simulateProvider) Transfer() engine.AssetTransfer { return p.account }
func (p *simulateProvider) Settler() engine.Settler        { return p.router }
func (p *simulateProvider) Quoter() keeper.Quoter          { return p.router }
func (p *simulateProvider) Custody() common.Address        { return p.custody }
func (p *simulateProvider) Close()                         {}

type evmProvider struct {
	client *evm.Client
}

func (p *evmProvider) Transfer() engine.AssetTransfer { return p.client }
func (p *evmProvider) Settler() engine.Settler        { return p.client }
func (p *evmProvider) Quoter() keeper.Quoter          { return p.client }
func (p *evmProvider) Custody() common.Address        { return p.client.Custody() }
func (p *evmProvider) Close()                         { p.client.Close() }
