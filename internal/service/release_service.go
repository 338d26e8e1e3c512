package service

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/makeasinger/pipeline/internal/model"
)

// ErrTrackNotFound is returned when a release has no such track
var ErrTrackNotFound = errors.New("track not found")

// ReleaseService persists track pipeline state in the releases collection
type ReleaseService struct {
	collection *mongo.Collection
}

// NewReleaseService creates a release service over collection
func NewReleaseService(collection *mongo.Collection) *ReleaseService {
	return &ReleaseService{collection: collection}
}

// UpdateTrack applies a conditional track update and reports whether a
// track matched. A false result means the track had already moved on.
func (s *ReleaseService) UpdateTrack(ctx context.Context, u model.TrackUpdate) (bool, error) {
	if u.ReleaseID == "" || u.TrackID == "" || u.Field == "" {
		return false, fmt.Errorf("track update requires release, track and field")
	}

	res, err := s.collection.UpdateOne(ctx, trackFilter(u), bson.M{"$set": trackSet(u)})
	if err != nil {
		return false, fmt.Errorf("failed to update track %s/%s: %w", u.ReleaseID, u.TrackID, err)
	}

	return res.MatchedCount > 0, nil
}

// GetTrack loads one track of a release
func (s *ReleaseService) GetTrack(ctx context.Context, releaseID, trackID string) (*model.Track, error) {
	filter := bson.M{
		"_id":        idValue(releaseID),
		"tracks._id": idValue(trackID),
	}
	opts := options.FindOne().SetProjection(bson.M{"user": 1, "title": 1, "tracks.$": 1})

	var release model.Release
	err := s.collection.FindOne(ctx, filter, opts).Decode(&release)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("failed to find track %s/%s: %w", releaseID, trackID, err)
	}
	if len(release.Tracks) == 0 {
		return nil, ErrTrackNotFound
	}

	return &release.Tracks[0], nil
}

func trackFilter(u model.TrackUpdate) bson.M {
	elem := bson.M{"_id": idValue(u.TrackID)}
	cond := bson.M{}
	if len(u.In) > 0 {
		cond["$in"] = statusValues(u.In)
	}
	if len(u.NotIn) > 0 {
		cond["$nin"] = statusValues(u.NotIn)
	}
	if len(cond) > 0 {
		elem[u.Field] = cond
	}

	filter := bson.M{
		"_id":    idValue(u.ReleaseID),
		"tracks": bson.M{"$elemMatch": elem},
	}
	if u.UserID != "" {
		filter["user"] = idValue(u.UserID)
	}
	return filter
}

func trackSet(u model.TrackUpdate) bson.M {
	set := bson.M{"tracks.$." + u.Field: u.To}
	for field, value := range u.Set {
		set["tracks.$."+field] = value
	}
	return set
}

// statusValues maps the empty status to null so it also matches an absent field
func statusValues(statuses []model.TrackStatus) bson.A {
	out := make(bson.A, 0, len(statuses))
	for _, st := range statuses {
		if st == model.TrackStatusNone {
			out = append(out, nil)
			continue
		}
		out = append(out, st)
	}
	return out
}

// idValue uses an ObjectID when the id is one, the raw string otherwise
func idValue(id string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}
