// Package dynamo provides a DynamoDB implementation of the identity repository.
//
// Users live in the users table keyed by userId. Email uniqueness is enforced
// by a second table holding one lock item per address; every write that
// touches an email updates both tables in a single transaction.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/identity"
)

// Default table names.
const (
	DefaultUsersTable  = "Users"
	DefaultEmailsTable = "UserEmails"
)

const conditionalCheckFailed = "ConditionalCheckFailed"

// API is the subset of the DynamoDB client used by Repository.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Tables names the tables used by Repository.
type Tables struct {
	Users  string
	Emails string
}

func (t Tables) withDefaults() Tables {
	if t.Users == "" {
		t.Users = DefaultUsersTable
	}
	if t.Emails == "" {
		t.Emails = DefaultEmailsTable
	}
	return t
}

type userItem struct {
	UserID    string    `dynamodbav:"userId"`
	Name      string    `dynamodbav:"name"`
	Email     string    `dynamodbav:"email"`
	Password  string    `dynamodbav:"password"`
	Role      string    `dynamodbav:"role"`
	CreatedAt time.Time `dynamodbav:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt"`
}

type emailItem struct {
	Email  string `dynamodbav:"email"`
	UserID string `dynamodbav:"userId"`
}

// Repository implements the identity.Repository interface using DynamoDB.
type Repository struct {
	client API
	tables Tables
}

// NewRepository creates a new DynamoDB repository.
func NewRepository(client API, tables Tables) *Repository {
	return &Repository{client: client, tables: tables.withDefaults()}
}

// CreateUser writes the user item and its email lock atomically.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	userAV, err := attributevalue.MarshalMap(toItem(user))
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	lockAV, err := attributevalue.MarshalMap(emailItem{Email: user.Email, UserID: user.ID})
	if err != nil {
		return fmt.Errorf("marshal email lock: %w", err)
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tables.Users),
				Item:                userAV,
				ConditionExpression: aws.String("attribute_not_exists(userId)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tables.Emails),
				Item:                lockAV,
				ConditionExpression: aws.String("attribute_not_exists(email)"),
			}},
		},
	})
	if err != nil {
		switch failedCondition(err) {
		case 0:
			return identity.ErrUserExists
		case 1:
			return identity.ErrEmailExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if id == "" {
		return nil, identity.ErrUserNotFound
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tables.Users),
		Key:            map[string]types.AttributeValue{"userId": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, identity.ErrUserNotFound
	}

	var item userItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return item.toDomain(), nil
}

// GetUserByEmail resolves the email lock and then loads the user it points to.
// Both reads are strongly consistent.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if email == "" {
		return nil, identity.ErrUserNotFound
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tables.Emails),
		Key:            map[string]types.AttributeValue{"email": &types.AttributeValueMemberS{Value: email}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get email lock: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, identity.ErrUserNotFound
	}

	var lock emailItem
	if err := attributevalue.UnmarshalMap(out.Item, &lock); err != nil {
		return nil, fmt.Errorf("unmarshal email lock: %w", err)
	}
	return r.GetUserByID(ctx, lock.UserID)
}

// ListUsers scans the users table and returns users ordered by creation time.
func (r *Repository) ListUsers(ctx context.Context) ([]domain.User, error) {
	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName: aws.String(r.tables.Users),
	})

	users := make([]domain.User, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan users: %w", err)
		}

		var items []userItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal users: %w", err)
		}
		for _, item := range items {
			users = append(users, *item.toDomain())
		}
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// UpdateUser applies a partial update. When the email changes the old lock is
// released and the new one taken in the same transaction.
func (r *Repository) UpdateUser(ctx context.Context, id string, update domain.UserUpdate) (*domain.User, error) {
	current, err := r.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	names := map[string]string{"#updatedAt": "updatedAt"}
	values := map[string]types.AttributeValue{}
	sets := []string{"#updatedAt = :updatedAt"}

	updatedAt, err := attributevalue.Marshal(update.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("marshal updated_at: %w", err)
	}
	values[":updatedAt"] = updatedAt

	setString := func(attr string, v *string) {
		if v == nil {
			return
		}
		names["#"+attr] = attr
		values[":"+attr] = &types.AttributeValueMemberS{Value: *v}
		sets = append(sets, fmt.Sprintf("#%s = :%s", attr, attr))
	}
	setString("name", update.Name)
	setString("password", update.PasswordHash)
	if update.Role != nil {
		role := string(*update.Role)
		setString("role", &role)
	}

	emailChanged := update.Email != nil && *update.Email != current.Email
	if emailChanged {
		setString("email", update.Email)
	}

	// Guard against a concurrent email change between the read and the write.
	values[":currentEmail"] = &types.AttributeValueMemberS{Value: current.Email}
	names["#currentEmail"] = "email"

	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                 aws.String(r.tables.Users),
			Key:                       map[string]types.AttributeValue{"userId": &types.AttributeValueMemberS{Value: id}},
			UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
			ConditionExpression:       aws.String("attribute_exists(userId) AND #currentEmail = :currentEmail"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}},
	}

	if emailChanged {
		lockAV, err := attributevalue.MarshalMap(emailItem{Email: *update.Email, UserID: id})
		if err != nil {
			return nil, fmt.Errorf("marshal email lock: %w", err)
		}
		items = append(items,
			types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(r.tables.Emails),
				Key:                       map[string]types.AttributeValue{"email": &types.AttributeValueMemberS{Value: current.Email}},
				ConditionExpression:       aws.String("userId = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: id}},
			}},
			types.TransactWriteItem{Put: &types.Put{
				TableName:           aws.String(r.tables.Emails),
				Item:                lockAV,
				ConditionExpression: aws.String("attribute_not_exists(email)"),
			}},
		)
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		switch failedCondition(err) {
		case 0, 1:
			return nil, identity.ErrUserNotFound
		case 2:
			return nil, identity.ErrEmailExists
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	return r.GetUserByID(ctx, id)
}

// DeleteUser removes the user item and its email lock.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	current, err := r.GetUserByID(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName:           aws.String(r.tables.Users),
				Key:                 map[string]types.AttributeValue{"userId": &types.AttributeValueMemberS{Value: id}},
				ConditionExpression: aws.String("attribute_exists(userId)"),
			}},
			{Delete: &types.Delete{
				TableName:                 aws.String(r.tables.Emails),
				Key:                       map[string]types.AttributeValue{"email": &types.AttributeValueMemberS{Value: current.Email}},
				ConditionExpression:       aws.String("userId = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: id}},
			}},
		},
	})
	if err != nil {
		if failedCondition(err) >= 0 {
			return identity.ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// Ping checks that the users table is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.tables.Users)})
	if err != nil {
		return fmt.Errorf("describe %s: %w", r.tables.Users, err)
	}
	return nil
}

// failedCondition returns the index of the first transaction item whose
// condition check failed, or -1 if err is not such a cancellation.
func failedCondition(err error) int {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return -1
	}
	for i, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == conditionalCheckFailed {
			return i
		}
	}
	return -1
}

func toItem(u *domain.User) userItem {
	return userItem{
		UserID:    u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Password:  u.PasswordHash,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.UTC(),
		UpdatedAt: u.UpdatedAt.UTC(),
	}
}

func (i userItem) toDomain() *domain.User {
	return &domain.User{
		ID:           i.UserID,
		Name:         i.Name,
		Email:        i.Email,
		PasswordHash: i.Password,
		Role:         domain.Role(i.Role),
		CreatedAt:    i.CreatedAt.UTC(),
		UpdatedAt:    i.UpdatedAt.UTC(),
	}
}
