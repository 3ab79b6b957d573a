package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/haven/realtime/internal/auth"
	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/config"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/presence"
	"github.com/haven/realtime/internal/room"
	mongostore "github.com/haven/realtime/internal/store/mongo"
	"github.com/haven/realtime/internal/store/memstore"
	"github.com/haven/realtime/internal/store/postgres"
)

// backends groups the durable collaborators selected by STORE_DRIVER.
type backends struct {
	identities    auth.IdentityStore
	memberships   room.MembershipSource
	groups        chat.GroupDirectory
	contacts      presence.ContactSource
	messages      chat.MessageStore
	notifications notify.Store

	db    *sql.DB
	mongo *mongo.Client
}

func (b *backends) Close(ctx context.Context) {
	if b.mongo != nil {
		b.mongo.Disconnect(ctx)
	}
	if b.db != nil {
		b.db.Close()
	}
}

// openBackends connects the configured store driver. Identities and group
// membership always live in PostgreSQL except under the memory driver; the
// mongo driver moves messages and notifications to MongoDB.
func openBackends(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backends, error) {
	if cfg.StoreDriver == config.DriverMemory {
		mem := memstore.New()
		seedIdentities(mem, cfg.DevIdentities)
		log.Warn().Msg("using in-memory store; nothing survives a restart")
		return &backends{
			identities:    mem,
			memberships:   mem,
			groups:        mem,
			contacts:      mem,
			messages:      mem,
			notifications: mem,
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.PostgresURI)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	pg := postgres.NewStore(db)
	b := &backends{
		identities:    pg,
		memberships:   pg,
		groups:        pg,
		contacts:      pg,
		messages:      pg,
		notifications: pg,
		db:            db,
	}

	if cfg.StoreDriver == config.DriverMongo {
		client, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			db.Close()
			return nil, err
		}
		ms := mongostore.NewStore(client.Database(cfg.MongoDatabase), mongostore.WithDirectRooms(pg))
		if err := ms.EnsureIndexes(ctx); err != nil {
			client.Disconnect(ctx)
			db.Close()
			return nil, fmt.Errorf("mongo: ensure indexes: %w", err)
		}
		b.mongo = client
		b.messages = ms
		b.notifications = ms
	}
	return b, nil
}

// seedIdentities reads DEV_IDENTITIES. An entry ending in * admits every id
// with that prefix.
func seedIdentities(mem *memstore.Store, list string) {
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, role, _ := strings.Cut(part, ":")
		if role == "" {
			role = "member"
		}
		if prefix, ok := strings.CutSuffix(id, "*"); ok {
			mem.AllowPrefix(prefix, role)
			continue
		}
		mem.PutIdentity(auth.Identity{ID: id, Username: id, Role: role, Verified: true, Active: true})
	}
}
