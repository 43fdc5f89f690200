package endpoints

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"git.sr.ht/~aondrejcak/finpulse-api/consents"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
	"git.sr.ht/~aondrejcak/finpulse-api/syncer"
)

var (
	servicesOnce sync.Once
	services     *Services
)

// Services wires the bank clients, the consent orchestrator and the
// sync coordinator once per process.
type Services struct {
	Orchestrator *consents.Orchestrator
	Coordinator  *syncer.Coordinator

	clients map[string]*obr.Client
}

func LoadServices(art *kernel.AppRuntime) *Services {
	servicesOnce.Do(func() {
		log := zerolog.New(os.Stdout).With().
			Timestamp().
			Str("service", art.ServiceName).
			Logger()

		tokens := &obr.GormTokenStore{DB: art.DatabaseClient}

		clients := make(map[string]*obr.Client, len(art.Banks))
		for id, bank := range art.Banks {
			clients[id] = obr.NewClient(obr.Config{
				BankID:             bank.ID,
				BankName:           bank.Name,
				BaseURL:            bank.BaseURL,
				ClientID:           art.ClientID,
				ClientSecret:       art.ClientSecret,
				RequestingBank:     art.RequestingBank,
				RequestingBankName: art.RequestingBankName,
			}, tokens, log)
		}

		store := consents.NewGormStore(art.DatabaseClient)

		orchestrator := consents.NewOrchestrator(store, func(bankID string) (consents.BankClient, error) {
			client, ok := clients[bankID]
			if !ok {
				return nil, fmt.Errorf("unknown bank %q", bankID)
			}
			return client, nil
		}, log)

		coordinator := &syncer.Coordinator{
			Locks:     &syncer.GormLockStore{DB: art.DatabaseClient},
			Snapshots: &syncer.GormSnapshotStore{DB: art.DatabaseClient},
			Data:      &syncer.GormDataStore{DB: art.DatabaseClient},
			Consents:  store,
			Clients: func(bankID string) (syncer.BankClient, error) {
				client, ok := clients[bankID]
				if !ok {
					return nil, fmt.Errorf("unknown bank %q", bankID)
				}
				return client, nil
			},
			Metrics:     &syncer.GormMetricsEngine{DB: art.DatabaseClient},
			Log:         log,
			LockTTL:     art.SyncLockTTL,
			SnapshotTTL: art.SnapshotTTL,
		}

		services = &Services{
			Orchestrator: orchestrator,
			Coordinator:  coordinator,
			clients:      clients,
		}
	})
	return services
}

func (s *Services) Client(bankID string) (*obr.Client, error) {
	client, ok := s.clients[bankID]
	if !ok {
		return nil, fmt.Errorf("unknown bank %q", bankID)
	}
	return client, nil
}
