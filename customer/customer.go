package customer

// Customer links a school to its payment processor customer
type Customer struct {
	ID       string `json:"id" gorm:"primaryKey"`        // Corresponds to Stripe's customer ID
	SchoolID string `json:"schoolId" gorm:"uniqueIndex"` // One processor customer per school
	Email    string `json:"email"`                       // Billing contact
}
