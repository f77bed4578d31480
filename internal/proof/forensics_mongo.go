package proof

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoMetadataDoc is the schemaless document shape stored per submission;
// bson tags keep the wire format stable independent of the Go field names.
type mongoMetadataDoc struct {
	SubmissionID string            `bson:"submission_id"`
	EXIF         map[string]string `bson:"exif,omitempty"`
	GPSLat       *float64          `bson:"gps_lat,omitempty"`
	GPSLon       *float64          `bson:"gps_lon,omitempty"`
	Resolution   string            `bson:"resolution,omitempty"`
	CaptureTime  *int64            `bson:"capture_time_unix,omitempty"`
}

// MongoForensicsRepository is the go.mongodb.org/mongo-driver-backed
// ForensicsRepository implementation, one document per submission in the
// "proof_forensics" collection.
type MongoForensicsRepository struct {
	collection *mongo.Collection
}

// NewMongoForensicsRepository builds a MongoForensicsRepository over db.
func NewMongoForensicsRepository(db *mongo.Database) *MongoForensicsRepository {
	return &MongoForensicsRepository{collection: db.Collection("proof_forensics")}
}

func (r *MongoForensicsRepository) SaveMetadata(ctx context.Context, submissionID uuid.UUID, meta Metadata) error {
	doc := mongoMetadataDoc{
		SubmissionID: submissionID.String(),
		EXIF:         meta.EXIF,
		GPSLat:       meta.GPSLat,
		GPSLon:       meta.GPSLon,
		Resolution:   meta.Resolution,
	}

	if meta.CaptureTime != nil {
		unix := meta.CaptureTime.Unix()
		doc.CaptureTime = &unix
	}

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, bson.M{"submission_id": doc.SubmissionID}, doc, opts)

	return err
}

func (r *MongoForensicsRepository) GetMetadata(ctx context.Context, submissionID uuid.UUID) (Metadata, bool, error) {
	var doc mongoMetadataDoc

	err := r.collection.FindOne(ctx, bson.M{"submission_id": submissionID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Metadata{}, false, nil
		}

		return Metadata{}, false, err
	}

	meta := Metadata{EXIF: doc.EXIF, GPSLat: doc.GPSLat, GPSLon: doc.GPSLon, Resolution: doc.Resolution}
	if doc.CaptureTime != nil {
		t := time.Unix(*doc.CaptureTime, 0).UTC()
		meta.CaptureTime = &t
	}

	return meta, true, nil
}
