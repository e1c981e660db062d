// Package transactions validates transaction requests and coordinates the
// object store and the database to fulfil them.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"reflect"
	"strings"
	"time"

	"github.com/codingric/receiptbox/models"
	"github.com/codingric/receiptbox/storage"
	"github.com/codingric/receiptbox/tracing"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DateLayout = "2006-01-02"

var maxAmount = decimal.New(1, 10)

type Repository interface {
	Create(ctx context.Context, t *models.Transaction) error
	GetForUser(ctx context.Context, userID, id uint) (*models.Transaction, error)
	FindForUser(ctx context.Context, userID uint, q models.Query) ([]models.Transaction, int64, error)
}

// CreateInput is the multipart form accepted by Create.
type CreateInput struct {
	Amount      string                `form:"amount" validate:"required"`
	Category    string                `form:"category" validate:"required,max=64"`
	Description string                `form:"description" validate:"required"`
	Date        string                `form:"date"`
	Receipt     *multipart.FileHeader `form:"receipt"`
}

type Service struct {
	repo      Repository
	store     storage.Store
	replays   *Replays
	maxUpload int64
	validate  *validator.Validate
	now       func() time.Time
}

type Option func(*Service)

func WithReplays(r *Replays) Option { return func(s *Service) { s.replays = r } }

func WithMaxUpload(n int64) Option { return func(s *Service) { s.maxUpload = n } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, store storage.Store, opts ...Option) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	s := &Service{
		repo:      repo,
		store:     store,
		maxUpload: 10 << 20,
		validate:  v,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type validated struct {
	amount decimal.Decimal
	date   time.Time
}

func (s *Service) validateCreate(in *CreateInput) (*validated, error) {
	in.Amount = strings.TrimSpace(in.Amount)
	in.Category = strings.TrimSpace(in.Category)
	in.Description = strings.TrimSpace(in.Description)
	in.Date = strings.TrimSpace(in.Date)

	verr := &ValidationError{}
	if err := s.validate.Struct(in); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return nil, err
		}
		for _, fe := range fieldErrors {
			verr.add(fe.Field(), fieldMessage(fe))
		}
	}

	v := &validated{}
	if in.Amount != "" {
		amount, err := decimal.NewFromString(in.Amount)
		switch {
		case err != nil:
			verr.add("amount", "A valid number is required.")
		case !amount.IsPositive():
			verr.add("amount", "Ensure this value is greater than 0.")
		case amount.Exponent() < -2:
			verr.add("amount", "Ensure that there are no more than 2 decimal places.")
		case amount.GreaterThanOrEqual(maxAmount):
			verr.add("amount", "Ensure that there are no more than 12 digits in total.")
		default:
			v.amount = amount
		}
	}

	now := s.now().UTC()
	v.date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if in.Date != "" {
		d, err := time.Parse(DateLayout, in.Date)
		if err != nil {
			verr.add("date", "Date has wrong format. Use YYYY-MM-DD.")
		}
		v.date = d
	}

	if r := in.Receipt; r != nil {
		mediatype, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch {
		case err != nil || !strings.HasPrefix(mediatype, "image/"):
			verr.add("receipt", "Upload a valid image. The file you uploaded was either not an image or a corrupted image.")
		case r.Size == 0:
			verr.add("receipt", "The submitted file is empty.")
		case r.Size > s.maxUpload:
			verr.add("receipt", fmt.Sprintf("Ensure this file is no larger than %d bytes.", s.maxUpload))
		}
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return v, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	}
	return fmt.Sprintf("Failed on the '%s' rule.", fe.Tag())
}

// Create validates in, stores the receipt (if any) and writes the row. When
// idempotencyKey names an earlier create by the same user, that row is
// returned with replayed set and nothing is written. A key whose first
// request is still running fails with ErrInProgress.
func (s *Service) Create(ctx context.Context, user *models.User, in CreateInput, idempotencyKey string) (t *models.Transaction, replayed bool, err error) {
	ctx, span := tracing.NewSpan(ctx, "transactions.Create")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	v, err := s.validateCreate(&in)
	if err != nil {
		return nil, false, err
	}

	reserved := false
	if idempotencyKey != "" {
		prev, ok, err := s.reserve(ctx, user.ID, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			span.AddEvent("Replayed create")
			return prev, true, nil
		}
		reserved = ok
	}
	defer func() {
		if err != nil && reserved {
			s.release(ctx, user.ID, idempotencyKey)
		}
	}()

	t = &models.Transaction{
		UserID:      user.ID,
		Amount:      v.amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        v.date,
	}

	var key string
	if in.Receipt != nil {
		key = storage.Key(user.ID, in.Receipt.Header.Get("Content-Type"))
		url, err := s.upload(ctx, key, in.Receipt)
		if err != nil {
			return nil, false, &StorageError{Err: err}
		}
		t.Receipt = &url
		span.SetAttributes(attribute.String("receipt.key", key))
	}

	if err := s.repo.Create(ctx, t); err != nil {
		if key != "" {
			s.discard(ctx, key)
		}
		return nil, false, &PersistenceError{Err: err}
	}
	span.SetAttributes(attribute.Int64("transaction.id", int64(t.ID)))

	if reserved {
		if err := s.replays.Complete(ctx, user.ID, idempotencyKey, t.ID); err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("Failed to record idempotency key")
		}
	}
	return t, false, nil
}

func (s *Service) upload(ctx context.Context, key string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.store.Put(ctx, key, fh.Header.Get("Content-Type"), f, fh.Size)
}

// discard removes an object whose row could not be written. Failure leaves
// the object orphaned; the key is logged for manual cleanup.
func (s *Service) discard(ctx context.Context, key string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to remove orphaned receipt")
		return
	}
	log.Warn().Str("key", key).Msg("Removed receipt after failed insert")
}

// reserve claims the idempotency key. It returns the earlier transaction when
// the key was already used, and ok when this request now owns the key. Redis
// failures are logged and the create proceeds unguarded.
func (s *Service) reserve(ctx context.Context, userID uint, key string) (prev *models.Transaction, ok bool, err error) {
	res, err := s.replays.Reserve(ctx, userID, key)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("Failed to reserve idempotency key")
		return nil, false, nil
	}
	switch {
	case res.Acquired:
		return nil, true, nil
	case res.InProgress:
		return nil, false, ErrInProgress
	case res.ID == 0:
		return nil, false, nil
	}
	t, err := s.repo.GetForUser(ctx, userID, res.ID)
	if err != nil {
		// The row is gone; this request takes the key over.
		log.Warn().Err(err).Uint("user_id", userID).Uint("id", res.ID).Msg("Idempotency key points at a missing transaction")
		return nil, true, nil
	}
	return t, false, nil
}

func (s *Service) release(ctx context.Context, userID uint, key string) {
	if err := s.replays.Release(context.WithoutCancel(ctx), userID, key); err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("Failed to release idempotency key")
	}
}

func (s *Service) List(ctx context.Context, user *models.User, q models.Query) ([]models.Transaction, int64, error) {
	ctx, span := tracing.NewSpan(ctx, "transactions.List")
	defer span.End()

	ts, total, err := s.repo.FindForUser(ctx, user.ID, q)
	if err != nil {
		span.RecordError(err)
		return nil, 0, &PersistenceError{Err: err}
	}
	span.SetAttributes(attribute.Int64("transactions.total", total))
	return ts, total, nil
}

func (s *Service) Get(ctx context.Context, user *models.User, id uint) (*models.Transaction, error) {
	ctx, span := tracing.NewSpan(ctx, "transactions.Get")
	defer span.End()

	t, err := s.repo.GetForUser(ctx, user.ID, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, &PersistenceError{Err: err}
	}
	return t, nil
}
