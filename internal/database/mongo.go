package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConnection pairs a connected client with the database named in the
// configuration.
type MongoConnection struct {
	Client   *mongo.Client
	Database *mongo.Database
	Config   *config.Config
}

func NewMongoConnection(ctx context.Context, cfg *config.Config) (*MongoConnection, error) {
	if cfg.Database.Type != "mongo" {
		return nil, fmt.Errorf("unsupported database type for Mongo connection: %s", cfg.Database.Type)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.GetMongoURI()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to reach mongo: %w", err)
	}

	name := cfg.Database.Database
	if name == "" {
		name = "dbqe"
	}

	return &MongoConnection{
		Client:   client,
		Database: client.Database(name),
		Config:   cfg,
	}, nil
}

func (c *MongoConnection) Close(ctx context.Context) error {
	return c.Client.Disconnect(ctx)
}
