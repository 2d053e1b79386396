package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoGraphStore is a GraphStore backed by a MongoDB collection.
type MongoGraphStore struct {
	coll *mongo.Collection
}

// Ensure it implements GraphStore.
var _ GraphStore = (*MongoGraphStore)(nil)

// NewMongoGraphStore creates a Mongo-backed graph store and ensures the
// unique name+version index. dbName defaults to "arcflow" if empty, collName
// defaults to "graphs".
func NewMongoGraphStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoGraphStore, error) {
	if dbName == "" {
		dbName = "arcflow"
	}
	if collName == "" {
		collName = "graphs"
	}

	coll := client.Database(dbName).Collection(collName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &MongoGraphStore{coll: coll}, nil
}

type mongoGraphDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Version   string    `bson:"version"`
	Image     []byte    `bson:"image"`
	Checksum  string    `bson:"checksum"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d mongoGraphDoc) record() (GraphRecord, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return GraphRecord{}, err
	}
	return GraphRecord{
		ID:        id,
		Name:      d.Name,
		Version:   d.Version,
		Image:     d.Image,
		Checksum:  d.Checksum,
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

func (s *MongoGraphStore) SaveGraph(ctx context.Context, rec GraphRecord) error {
	doc := mongoGraphDoc{
		ID:        rec.ID.String(),
		Name:      rec.Name,
		Version:   rec.Version,
		Image:     rec.Image,
		Checksum:  rec.Checksum,
		CreatedAt: rec.CreatedAt,
	}
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrGraphExists
	}
	return err
}

func (s *MongoGraphStore) GetGraph(ctx context.Context, name, version string) (GraphRecord, error) {
	return s.findOne(ctx, bson.M{"name": name, "version": version}, nil)
}

func (s *MongoGraphStore) GetLatestGraph(ctx context.Context, name string) (GraphRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "version", Value: -1}})
	return s.findOne(ctx, bson.M{"name": name}, opts)
}

func (s *MongoGraphStore) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (GraphRecord, error) {
	var doc mongoGraphDoc
	var err error
	if opts != nil {
		err = s.coll.FindOne(ctx, filter, opts).Decode(&doc)
	} else {
		err = s.coll.FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return GraphRecord{}, ErrGraphNotFound
		}
		return GraphRecord{}, err
	}
	return doc.record()
}

func (s *MongoGraphStore) ListGraphVersions(ctx context.Context, name string) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "version", Value: 1}}).
		SetProjection(bson.M{"version": 1})
	cur, err := s.coll.Find(ctx, bson.M{"name": name}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	versions := []string{}
	for cur.Next(ctx) {
		var doc struct {
			Version string `bson:"version"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		versions = append(versions, doc.Version)
	}
	return versions, cur.Err()
}
