package customer

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registrar creates customers on the payment processor
type Registrar interface {
	CreateCustomer(ctx context.Context, schoolID, email string) (string, error)
}

// Manager handles the database operations relating to Customers
type Manager struct {
	db        *gorm.DB
	logger    *zap.Logger
	registrar Registrar
}

// NewManager returns a new Manager for customers
func NewManager(logger *zap.Logger, db *gorm.DB, registrar Registrar) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if registrar == nil {
		return nil, fmt.Errorf("nil Registrar is invalid")
	}
	if err := db.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
	}
	return &Manager{
		db:        db,
		logger:    logger,
		registrar: registrar,
	}, nil
}

// Ensure returns the customer of the school, creating it on the processor and in the
// database the first time. The processor call happens outside of any transaction.
func (m *Manager) Ensure(ctx context.Context, schoolID, email string) (*Customer, error) {
	cust, err := m.GetBySchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	if cust != nil {
		return cust, nil
	}

	id, err := m.registrar.CreateCustomer(ctx, schoolID, email)
	if err != nil {
		return nil, err
	}

	newCustomer := &Customer{
		ID:       id,
		SchoolID: schoolID,
		Email:    email,
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(newCustomer)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.String("SchoolID", schoolID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create a New Customer")
	}
	if result.RowsAffected == 0 {
		// lost a race with a concurrent Ensure, the orphaned processor customer is left unused
		m.logger.Warn("Customer already created for school",
			zap.String("SchoolID", schoolID),
			zap.String("OrphanCustomerID", id),
		)
		return m.GetBySchool(ctx, schoolID)
	}
	return newCustomer, nil
}

// GetByID will try to return the customer in the database by processor id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// GetBySchool will try to return the customer of the school
func (m *Manager) GetBySchool(ctx context.Context, schoolID string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "school_id = ?", schoolID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by school")
	}

	return &cust, nil
}
