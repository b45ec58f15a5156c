// Package mongo provides a MongoDB implementation of store.Store, suitable
// for production deployments that need Mission Runs, Sprints, and the
// recovery journal to survive a process restart on durable storage rather
// than in-memory state alone.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/store"
)

// Store is a MongoDB-backed store.Store. Missions and Sprints are upserted
// by id; the journal is an append-only collection with a driver-assigned
// monotonic sequence number minted from a dedicated counters document so
// JournalSince ordering survives a restart.
type Store struct {
	missions *mongo.Collection
	sprints  *mongo.Collection
	journal  *mongo.Collection
	counters *mongo.Collection

	// seq records the last journal id this process minted. Every
	// AppendJournal still mints its id through the counters document, and
	// New does not load seq from it.
	seq atomic.Int64
}

var _ store.Store = (*Store)(nil)

// New constructs a Store using collections named "missions", "sprints",
// "journal", and "counters" within db.
func New(db *mongo.Database) *Store {
	return &Store{
		missions: db.Collection("missions"),
		sprints:  db.Collection("sprints"),
		journal:  db.Collection("journal"),
		counters: db.Collection("counters"),
	}
}

type missionDocument struct {
	ID                string         `bson:"_id"`
	ProjectID         string         `bson:"project_id"`
	WorkflowID        string         `bson:"workflow_id"`
	WSJF              wsjfDocument   `bson:"wsjf"`
	Status            string         `bson:"status"`
	CurrentPhaseIndex int            `bson:"current_phase_index"`
	SprintCounter     int            `bson:"sprint_counter"`
	ResumeCursor      string         `bson:"resume_cursor"`
	StartedAt         time.Time      `bson:"started_at"`
	EndedAt           time.Time      `bson:"ended_at"`
	PendingCheckpoint string         `bson:"pending_checkpoint,omitempty"`
	Issues            []string       `bson:"issues,omitempty"`
}

type wsjfDocument struct {
	BusinessValue   float64 `bson:"business_value"`
	TimeCriticality float64 `bson:"time_criticality"`
	RiskReduction   float64 `bson:"risk_reduction"`
	JobDuration     float64 `bson:"job_duration"`
}

func toMissionDocument(m domain.MissionRun) missionDocument {
	return missionDocument{
		ID:                m.ID,
		ProjectID:         m.ProjectID,
		WorkflowID:        m.WorkflowID,
		WSJF:              wsjfDocument(m.WSJF),
		Status:            string(m.Status),
		CurrentPhaseIndex: m.CurrentPhaseIndex,
		SprintCounter:     m.SprintCounter,
		ResumeCursor:      m.ResumeCursor,
		StartedAt:         m.StartedAt,
		EndedAt:           m.EndedAt,
		PendingCheckpoint: m.PendingCheckpoint,
		Issues:            m.Issues,
	}
}

func (d missionDocument) toDomain() domain.MissionRun {
	return domain.MissionRun{
		ID:                d.ID,
		ProjectID:         d.ProjectID,
		WorkflowID:        d.WorkflowID,
		WSJF:              domain.WSJF(d.WSJF),
		Status:            domain.MissionStatus(d.Status),
		CurrentPhaseIndex: d.CurrentPhaseIndex,
		SprintCounter:     d.SprintCounter,
		ResumeCursor:      d.ResumeCursor,
		StartedAt:         d.StartedAt,
		EndedAt:           d.EndedAt,
		PendingCheckpoint: d.PendingCheckpoint,
		Issues:            d.Issues,
	}
}

// SaveMission upserts a Mission Run.
func (s *Store) SaveMission(ctx context.Context, m domain.MissionRun) error {
	doc := toMissionDocument(m)
	opts := options.Replace().SetUpsert(true)
	_, err := s.missions.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongo: save mission %q: %w", m.ID, err)
	}
	return nil
}

// GetMission retrieves a Mission Run by id.
func (s *Store) GetMission(ctx context.Context, id string) (domain.MissionRun, error) {
	var doc missionDocument
	err := s.missions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.MissionRun{}, store.ErrNotFound
	}
	if err != nil {
		return domain.MissionRun{}, fmt.Errorf("mongo: get mission %q: %w", id, err)
	}
	return doc.toDomain(), nil
}

// ListMissionsByStatus returns every Mission Run currently in one of statuses.
func (s *Store) ListMissionsByStatus(ctx context.Context, statuses ...domain.MissionStatus) ([]domain.MissionRun, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		filter["status"] = bson.M{"$in": values}
	}
	cur, err := s.missions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list missions: %w", err)
	}
	defer cur.Close(ctx)

	var out []domain.MissionRun
	for cur.Next(ctx) {
		var doc missionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode mission: %w", err)
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

type sprintDocument struct {
	ID               string `bson:"_id"`
	MissionID        string `bson:"mission_id"`
	PhaseIndex       int    `bson:"phase_index"`
	Number           int    `bson:"number"`
	Status           string `bson:"status"`
	PlannedPoints    int    `bson:"planned_points"`
	RealizedVelocity int    `bson:"realized_velocity"`
	RetroNotes       string `bson:"retro_notes,omitempty"`
}

func toSprintDocument(sp domain.Sprint) sprintDocument {
	return sprintDocument{
		ID:               sp.ID,
		MissionID:        sp.MissionID,
		PhaseIndex:       sp.PhaseIndex,
		Number:           sp.Number,
		Status:           string(sp.Status),
		PlannedPoints:    sp.PlannedPoints,
		RealizedVelocity: sp.RealizedVelocity,
		RetroNotes:       sp.RetroNotes,
	}
}

func (d sprintDocument) toDomain() domain.Sprint {
	return domain.Sprint{
		ID:               d.ID,
		MissionID:        d.MissionID,
		PhaseIndex:       d.PhaseIndex,
		Number:           d.Number,
		Status:           domain.SprintStatus(d.Status),
		PlannedPoints:    d.PlannedPoints,
		RealizedVelocity: d.RealizedVelocity,
		RetroNotes:       d.RetroNotes,
	}
}

// SaveSprint upserts a Sprint.
func (s *Store) SaveSprint(ctx context.Context, sp domain.Sprint) error {
	doc := toSprintDocument(sp)
	opts := options.Replace().SetUpsert(true)
	_, err := s.sprints.ReplaceOne(ctx, bson.M{"_id": sp.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongo: save sprint %q: %w", sp.ID, err)
	}
	return nil
}

// ListSprints returns every Sprint belonging to missionID in creation order.
func (s *Store) ListSprints(ctx context.Context, missionID string) ([]domain.Sprint, error) {
	cur, err := s.sprints.Find(ctx, bson.M{"mission_id": missionID}, options.Find().SetSort(bson.D{{Key: "phase_index", Value: 1}, {Key: "number", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list sprints for %q: %w", missionID, err)
	}
	defer cur.Close(ctx)

	var out []domain.Sprint
	for cur.Next(ctx) {
		var doc sprintDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode sprint: %w", err)
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

type journalDocument struct {
	ID        int64          `bson:"_id"`
	MissionID string         `bson:"mission_id"`
	Kind      string         `bson:"kind"`
	Detail    map[string]any `bson:"detail,omitempty"`
	At        time.Time      `bson:"at"`
}

// AppendJournal appends entry to the recovery journal with a
// monotonically increasing id minted from the counters collection via
// FindOneAndUpdate's atomic $inc, so concurrent writers across processes
// never collide.
func (s *Store) AppendJournal(ctx context.Context, entry store.JournalEntry) (store.JournalEntry, error) {
	id, err := s.nextJournalID(ctx)
	if err != nil {
		return store.JournalEntry{}, err
	}
	entry.ID = id
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	doc := journalDocument{ID: entry.ID, MissionID: entry.MissionID, Kind: entry.Kind, Detail: entry.Detail, At: entry.At}
	if _, err := s.journal.InsertOne(ctx, doc); err != nil {
		return store.JournalEntry{}, fmt.Errorf("mongo: append journal: %w", err)
	}
	return entry, nil
}

func (s *Store) nextJournalID(ctx context.Context) (int64, error) {
	var result struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": "journal_seq"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&result)
	if err != nil {
		return 0, fmt.Errorf("mongo: mint journal id: %w", err)
	}
	s.seq.Store(result.Seq)
	return result.Seq, nil
}

// JournalSince returns every journal entry with ID > sinceID for missionID
// (or all missions when missionID is ""), oldest first.
func (s *Store) JournalSince(ctx context.Context, missionID string, sinceID int64) ([]store.JournalEntry, error) {
	filter := bson.M{"_id": bson.M{"$gt": sinceID}}
	if missionID != "" {
		filter["mission_id"] = missionID
	}
	cur, err := s.journal.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: journal since %d: %w", sinceID, err)
	}
	defer cur.Close(ctx)

	var out []store.JournalEntry
	for cur.Next(ctx) {
		var doc journalDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode journal entry: %w", err)
		}
		out = append(out, store.JournalEntry{ID: doc.ID, MissionID: doc.MissionID, Kind: doc.Kind, Detail: doc.Detail, At: doc.At})
	}
	return out, cur.Err()
}
