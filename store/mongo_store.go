package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pricelab-backend/models"
)

// Mongo collection name for tasks
const mongoTaskCollection = "tasks"

// MongoStore persists tasks as documents in a MongoDB collection
type MongoStore struct {
	collection *mongo.Collection
}

// mongoTask is the document shape for a task. Payload and Result are
// kept as JSON text so the document schema stays stable regardless of
// worker-specific parameters.
type mongoTask struct {
	ID            string                `bson:"_id"`
	Name          string                `bson:"name"`
	Description   string                `bson:"description"`
	Status        models.TaskStatus     `bson:"status"`
	Frequency     models.TaskFrequency  `bson:"frequency"`
	Priority      int                   `bson:"priority"`
	ScheduledTime time.Time             `bson:"scheduled_time"`
	NextRunTime   *time.Time            `bson:"next_run_time,omitempty"`
	Progress      int                   `bson:"progress"`
	Payload       string                `bson:"payload,omitempty"`
	Result        string                `bson:"result,omitempty"`
	Logs          []models.TaskLogEntry `bson:"logs,omitempty"`
	StartTime     *time.Time            `bson:"start_time,omitempty"`
	EndTime       *time.Time            `bson:"end_time,omitempty"`
	Duration      float64               `bson:"duration,omitempty"`
	CreatedAt     time.Time             `bson:"created_at"`
	UpdatedAt     time.Time             `bson:"updated_at"`
}

func toMongoTask(t *models.Task) *mongoTask {
	return &mongoTask{
		ID:            t.ID,
		Name:          t.Name,
		Description:   t.Description,
		Status:        t.Status,
		Frequency:     t.Frequency,
		Priority:      t.Priority,
		ScheduledTime: t.ScheduledTime,
		NextRunTime:   t.NextRunTime,
		Progress:      t.Progress,
		Payload:       string(t.Payload),
		Result:        string(t.Result),
		Logs:          t.Logs,
		StartTime:     t.StartTime,
		EndTime:       t.EndTime,
		Duration:      t.Duration,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func (d *mongoTask) toTask() *models.Task {
	return &models.Task{
		ID:            d.ID,
		Name:          d.Name,
		Description:   d.Description,
		Status:        d.Status,
		Frequency:     d.Frequency,
		Priority:      d.Priority,
		ScheduledTime: d.ScheduledTime,
		NextRunTime:   d.NextRunTime,
		Progress:      d.Progress,
		Payload:       json.RawMessage(d.Payload),
		Result:        json.RawMessage(d.Result),
		Logs:          d.Logs,
		StartTime:     d.StartTime,
		EndTime:       d.EndTime,
		Duration:      d.Duration,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// NewMongoStore connects to MongoDB and returns a task store over the
// tasks collection of the given database
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		collection: client.Database(dbName).Collection(mongoTaskCollection),
	}, nil
}

// Create inserts a new task document, assigning an id if none is set
func (s *MongoStore) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, toMongoTask(task)); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the task with the given id
func (s *MongoStore) Get(ctx context.Context, id string) (*models.Task, error) {
	var doc mongoTask
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return doc.toTask(), nil
}

// Update replaces the stored document with the given task
func (s *MongoStore) Update(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now()
	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": task.ID}, toMongoTask(task))
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Delete removes a task document. Running tasks are refused.
func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status == models.TaskStatusRunning {
		return false, ErrTaskRunning
	}

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return false, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return true, nil
}

// List returns tasks matching the filter, tasks without a next run time
// sorted last
func (s *MongoStore) List(ctx context.Context, filter TaskFilter, page Page) ([]models.Task, int64, error) {
	match := bson.M{}
	if filter.Status != "" {
		match["status"] = filter.Status
	}
	if filter.Frequency != "" {
		match["frequency"] = filter.Frequency
	}
	if filter.Priority != nil {
		match["priority"] = *filter.Priority
	}

	total, err := s.collection.CountDocuments(ctx, match)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$addFields", Value: bson.M{
			"no_next_run": bson.M{"$cond": bson.A{
				bson.M{"$ifNull": bson.A{"$next_run_time", false}}, 0, 1,
			}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{
			{Key: "no_next_run", Value: 1},
			{Key: "next_run_time", Value: 1},
			{Key: "created_at", Value: 1},
		}}},
	}
	if page.Limit > 0 {
		pipeline = append(pipeline,
			bson.D{{Key: "$skip", Value: page.Offset}},
			bson.D{{Key: "$limit", Value: page.Limit}},
		)
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []models.Task
	for cursor.Next(ctx) {
		var doc mongoTask
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("failed to decode task: %w", err)
		}
		tasks = append(tasks, *doc.toTask())
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, fmt.Errorf("cursor error while listing tasks: %w", err)
	}
	return tasks, total, nil
}
