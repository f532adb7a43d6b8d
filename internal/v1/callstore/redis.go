// Package callstore persists call records and participant status
// transitions in Redis. Every mutation is idempotent and runs through a
// circuit breaker; callers treat failures as non-fatal and keep serving
// from in-memory room state.
package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const breakerName = "callstore"

// Key schema:
//
//	call:{roomId}              hash of call record fields
//	call:{roomId}:invited      set of invited email addresses
//	call:{roomId}:participants hash of userId -> participantEntry JSON
//	call:id:{callId}           callId -> roomId lookup
func callKey(roomId types.RoomIdType) string { return "call:" + string(roomId) }

func invitedKey(r types.RoomIdType) string { return "call:" + string(r) + ":invited" }

func participantsKey(r types.RoomIdType) string { return "call:" + string(r) + ":participants" }

func callIdKey(callId string) string { return "call:id:" + callId }

// participantEntry is the stored per-participant status row.
type participantEntry struct {
	Role        string `json:"role"`
	IsConnected bool   `json:"isConnected"`
	SocketId    string `json:"socketId,omitempty"`
	JoinedAt    int64  `json:"joinedAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// RedisStore implements types.CallStore on Redis.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore creates a store with a verified connection.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "call store circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	logging.Info(context.Background(), "connected to Redis call store", zap.String("addr", addr))
	return &RedisStore{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// execute runs one named operation through the circuit breaker and
// records its metrics. ErrOpenState passes through untouched so write
// paths can degrade gracefully.
func (s *RedisStore) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
			metrics.RedisOperationsTotal.WithLabelValues(op, "dropped").Inc()
			logging.Warn(ctx, "call store circuit breaker open, dropping operation", zap.String("operation", op))
			return nil, err
		}
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		logging.Error(ctx, "call store operation failed", zap.String("operation", op), zap.Error(err))
		return nil, err
	}

	metrics.RedisOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// GetByRoomId loads a call record. Returns types.ErrCallNotFound for
// unknown rooms; a miss is not a store failure and never trips the
// breaker.
func (s *RedisStore) GetByRoomId(ctx context.Context, roomId types.RoomIdType) (*types.CallRecord, error) {
	res, err := s.execute(ctx, "get_by_room_id", func() (interface{}, error) {
		fields, err := s.client.HGetAll(ctx, callKey(roomId)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return (*types.CallRecord)(nil), nil
		}

		record, err := recordFromFields(fields)
		if err != nil {
			return nil, err
		}

		invited, err := s.client.SMembers(ctx, invitedKey(roomId)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		record.InvitedEmails = invited
		return record, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load call record: %w", err)
	}

	record := res.(*types.CallRecord)
	if record == nil {
		return nil, types.ErrCallNotFound
	}
	return record, nil
}

// Create stores a new call record. Re-creating the same record is a
// harmless overwrite.
func (s *RedisStore) Create(ctx context.Context, record *types.CallRecord) error {
	if record == nil || record.RoomId == "" || record.CallId == "" {
		return errors.New("call record requires roomId and callId")
	}

	_, err := s.execute(ctx, "create", func() (interface{}, error) {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, callKey(record.RoomId), recordToFields(record))
			pipe.Set(ctx, callIdKey(record.CallId), string(record.RoomId), 0)
			if len(record.InvitedEmails) > 0 {
				members := make([]interface{}, len(record.InvitedEmails))
				for i, email := range record.InvitedEmails {
					members[i] = email
				}
				pipe.SAdd(ctx, invitedKey(record.RoomId), members...)
			}
			return nil
		})
		return nil, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil
		}
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// AddParticipant records a participant's role on first join. Guest
// transitions are never persisted.
func (s *RedisStore) AddParticipant(ctx context.Context, callId string, userId types.UserIdType, role types.RoleType) error {
	if types.IsGuestUser(userId) {
		return nil
	}

	_, err := s.execute(ctx, "add_participant", func() (interface{}, error) {
		roomId, err := s.lookupRoomId(ctx, callId)
		if err != nil || roomId == "" {
			return nil, err
		}

		now := time.Now().UnixMilli()
		entry := participantEntry{
			Role:        string(role),
			IsConnected: true,
			JoinedAt:    now,
			UpdatedAt:   now,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		return nil, s.client.HSet(ctx, participantsKey(roomId), string(userId), data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil
		}
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// UpdateParticipantStatus flips a participant's connected flag. The
// stored role survives the update. Guest transitions are never
// persisted.
func (s *RedisStore) UpdateParticipantStatus(ctx context.Context, callId string, userId types.UserIdType, isConnected bool, socketId types.SocketIdType) error {
	if types.IsGuestUser(userId) {
		return nil
	}

	_, err := s.execute(ctx, "update_participant_status", func() (interface{}, error) {
		roomId, err := s.lookupRoomId(ctx, callId)
		if err != nil || roomId == "" {
			return nil, err
		}

		var entry participantEntry
		raw, err := s.client.HGet(ctx, participantsKey(roomId), string(userId)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if err == nil {
			if unmarshalErr := json.Unmarshal([]byte(raw), &entry); unmarshalErr != nil {
				entry = participantEntry{}
			}
		}

		entry.IsConnected = isConnected
		entry.SocketId = string(socketId)
		entry.UpdatedAt = time.Now().UnixMilli()

		data, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		return nil, s.client.HSet(ctx, participantsKey(roomId), string(userId), data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil
		}
		return fmt.Errorf("failed to update participant status: %w", err)
	}
	return nil
}

// Start transitions a call to live. Only the first call records the
// start time; later calls are no-ops.
func (s *RedisStore) Start(ctx context.Context, callId string) error {
	_, err := s.execute(ctx, "start", func() (interface{}, error) {
		roomId, err := s.lookupRoomId(ctx, callId)
		if err != nil || roomId == "" {
			return nil, err
		}

		status, err := s.client.HGet(ctx, callKey(roomId), "status").Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if status == string(types.CallStatusLive) || status == string(types.CallStatusEnded) {
			return nil, nil
		}

		return nil, s.client.HSet(ctx, callKey(roomId), map[string]interface{}{
			"status":    string(types.CallStatusLive),
			"startedAt": time.Now().UnixMilli(),
		}).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil
		}
		return fmt.Errorf("failed to start call: %w", err)
	}
	return nil
}

// End transitions a call to ended and records its duration. Only the
// first call wins; repeats keep the original end time.
func (s *RedisStore) End(ctx context.Context, callId string, duration time.Duration) error {
	_, err := s.execute(ctx, "end", func() (interface{}, error) {
		roomId, err := s.lookupRoomId(ctx, callId)
		if err != nil || roomId == "" {
			return nil, err
		}

		status, err := s.client.HGet(ctx, callKey(roomId), "status").Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if status == string(types.CallStatusEnded) {
			return nil, nil
		}

		return nil, s.client.HSet(ctx, callKey(roomId), map[string]interface{}{
			"status":          string(types.CallStatusEnded),
			"endedAt":         time.Now().UnixMilli(),
			"durationSeconds": int64(duration.Seconds()),
		}).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil
		}
		return fmt.Errorf("failed to end call: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// lookupRoomId resolves a callId to its roomId. Unknown ids yield an
// empty string and no error so idempotent mutations can no-op.
func (s *RedisStore) lookupRoomId(ctx context.Context, callId string) (types.RoomIdType, error) {
	roomId, err := s.client.Get(ctx, callIdKey(callId)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return types.RoomIdType(roomId), nil
}

func recordToFields(r *types.CallRecord) map[string]interface{} {
	return map[string]interface{}{
		"callId":          r.CallId,
		"roomId":          string(r.RoomId),
		"name":            r.Name,
		"hostUserId":      string(r.HostUserId),
		"status":          string(r.Status),
		"callType":        string(r.CallType),
		"passcodeHash":    r.PasscodeHash,
		"maxParticipants": r.MaxParticipants,
		"createdAt":       unixMilliOrZero(r.CreatedAt),
		"startedAt":       unixMilliOrZero(r.StartedAt),
		"endedAt":         unixMilliOrZero(r.EndedAt),
		"durationSeconds": r.DurationSeconds,
	}
}

func recordFromFields(fields map[string]string) (*types.CallRecord, error) {
	maxParticipants, err := strconv.Atoi(zeroIfEmpty(fields["maxParticipants"]))
	if err != nil {
		return nil, fmt.Errorf("bad maxParticipants field: %w", err)
	}
	durationSeconds, err := strconv.ParseInt(zeroIfEmpty(fields["durationSeconds"]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad durationSeconds field: %w", err)
	}

	return &types.CallRecord{
		CallId:          fields["callId"],
		RoomId:          types.RoomIdType(fields["roomId"]),
		Name:            fields["name"],
		HostUserId:      types.UserIdType(fields["hostUserId"]),
		Status:          types.CallStatusType(fields["status"]),
		CallType:        types.CallAccessType(fields["callType"]),
		PasscodeHash:    fields["passcodeHash"],
		MaxParticipants: maxParticipants,
		CreatedAt:       timeFromMilliField(fields["createdAt"]),
		StartedAt:       timeFromMilliField(fields["startedAt"]),
		EndedAt:         timeFromMilliField(fields["endedAt"]),
		DurationSeconds: durationSeconds,
	}, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilliField(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func zeroIfEmpty(v string) string {
	if v == "" {
		return "0"
	}
	return v
}
