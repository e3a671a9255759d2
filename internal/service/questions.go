package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

// Partition splits the question bank by track. A question belongs to
// exactly one side.
type Partition struct {
	Free []domain.Question `json:"free"`
	Paid []domain.Question `json:"paid"`
}

// For returns the subset for a test type.
func (p Partition) For(t domain.TestType) []domain.Question {
	if t == domain.TestFree {
		return p.Free
	}
	return p.Paid
}

func PartitionQuestions(all []domain.Question) Partition {
	var p Partition
	for _, q := range all {
		if q.IsFree {
			p.Free = append(p.Free, q)
		} else {
			p.Paid = append(p.Paid, q)
		}
	}
	return p
}

type SeedSummary struct {
	Message   string `json:"message"`
	FreeCount int    `json:"free_count"`
	PaidCount int    `json:"paid_count"`
	Total     int    `json:"total"`
}

type QuestionBank struct {
	store  QuestionStore
	logger *log.Logger
}

func NewQuestionBank(store QuestionStore, logger *log.Logger) *QuestionBank {
	return &QuestionBank{store: store, logger: logger}
}

func (b *QuestionBank) List(ctx context.Context, f QuestionFilter) ([]domain.Question, error) {
	qs, err := b.store.ListQuestions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: list questions: %v", domain.ErrUpstreamUnavailable, err)
	}
	return qs, nil
}

func (b *QuestionBank) Categories(ctx context.Context) ([]domain.Category, error) {
	cats, err := b.store.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: categories: %v", domain.ErrUpstreamUnavailable, err)
	}
	if len(cats) == 0 {
		cats = []domain.Category{domain.CategoryPersonality, domain.CategoryTalent, domain.CategorySkills, domain.CategoryInterest}
	}
	return cats, nil
}

// Fetch loads the whole bank and partitions it.
func (b *QuestionBank) Fetch(ctx context.Context) (Partition, error) {
	all, err := b.List(ctx, QuestionFilter{})
	if err != nil {
		return Partition{}, err
	}
	return PartitionQuestions(all), nil
}

// FetchOrSeed fetches the bank and, if it is unreachable or empty, seeds
// the defaults and fetches exactly once more.
func (b *QuestionBank) FetchOrSeed(ctx context.Context) (Partition, error) {
	p, err := b.Fetch(ctx)
	if err == nil && len(p.Free)+len(p.Paid) > 0 {
		return p, nil
	}
	if err != nil && !errors.Is(err, domain.ErrUpstreamUnavailable) {
		return Partition{}, err
	}

	b.logger.Printf("question bank unavailable or empty (%v), seeding defaults", err)
	if _, serr := b.Seed(ctx); serr != nil {
		return Partition{}, serr
	}
	p, err = b.Fetch(ctx)
	if err != nil {
		return Partition{}, err
	}
	if len(p.Free)+len(p.Paid) == 0 {
		return Partition{}, domain.ErrNoQuestionsAvailable
	}
	return p, nil
}

// Seed replaces the bank with the default question set.
func (b *QuestionBank) Seed(ctx context.Context) (SeedSummary, error) {
	qs := DefaultQuestions()
	if err := b.store.ReplaceQuestions(ctx, qs); err != nil {
		return SeedSummary{}, fmt.Errorf("%w: seed questions: %v", domain.ErrUpstreamUnavailable, err)
	}
	p := PartitionQuestions(qs)
	return SeedSummary{
		Message:   "Questions seeded successfully",
		FreeCount: len(p.Free),
		PaidCount: len(p.Paid),
		Total:     len(qs),
	}, nil
}

// SeedIfEmpty seeds the defaults only when the bank has no questions.
// Replacing a populated bank would strand every in-progress session, so an
// existing bank is left alone and its counts are returned with seeded=false.
func (b *QuestionBank) SeedIfEmpty(ctx context.Context) (SeedSummary, bool, error) {
	p, err := b.Fetch(ctx)
	if err != nil {
		return SeedSummary{}, false, err
	}
	if n := len(p.Free) + len(p.Paid); n > 0 {
		return SeedSummary{
			Message:   "Questions already seeded",
			FreeCount: len(p.Free),
			PaidCount: len(p.Paid),
			Total:     n,
		}, false, nil
	}
	summary, err := b.Seed(ctx)
	if err != nil {
		return SeedSummary{}, false, err
	}
	return summary, true, nil
}

// Lookup resolves ids to questions, keyed by id.
func (b *QuestionBank) Lookup(ctx context.Context, ids []string) (map[string]domain.Question, error) {
	qs, err := b.store.QuestionsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup questions: %v", domain.ErrUpstreamUnavailable, err)
	}
	out := make(map[string]domain.Question, len(qs))
	for _, q := range qs {
		out[q.ID] = q
	}
	return out, nil
}

func likert(texts ...string) []domain.Option {
	opts := make([]domain.Option, len(texts))
	for i, t := range texts {
		opts[i] = domain.Option{Value: string(rune('A' + i)), Text: t, Score: i + 1}
	}
	return opts
}

// DefaultQuestions returns the seed bank: 5 free and 10 paid questions with
// fresh ids.
func DefaultQuestions() []domain.Question {
	qs := []domain.Question{
		{Text: "Ketika menghadapi masalah, saya lebih suka:", Category: domain.CategoryPersonality, IsFree: true,
			Options: likert("Menganalisis secara logis dan sistematis", "Mengikuti intuisi dan perasaan", "Berdiskusi dengan orang lain", "Mencoba berbagai solusi langsung")},
		{Text: "Dalam situasi sosial, saya cenderung:", Category: domain.CategoryPersonality, IsFree: true,
			Options: likert("Menjadi pusat perhatian dan aktif berbicara", "Mendengarkan dan mengamati lebih banyak", "Bergantung pada situasi dan suasana", "Memilih berinteraksi dengan kelompok kecil")},
		{Text: "Saat bekerja dalam tim, peran yang paling cocok untuk saya adalah:", Category: domain.CategoryTalent, IsFree: true,
			Options: likert("Pemimpin yang mengarahkan", "Kreator ide dan inovasi", "Pelaksana yang detail", "Mediator yang menjaga harmoni")},
		{Text: "Kegiatan yang paling menarik bagi saya adalah:", Category: domain.CategoryInterest, IsFree: true,
			Options: likert("Membaca dan mempelajari hal baru", "Berkreasi dan membuat sesuatu", "Berolahraga dan aktivitas fisik", "Bersosialisasi dan membantu orang lain")},
		{Text: "Ketika mengambil keputusan penting, saya lebih mengandalkan:", Category: domain.CategoryPersonality, IsFree: true,
			Options: likert("Data dan fakta yang jelas", "Perasaan dan nilai-nilai personal", "Saran dari orang yang dipercaya", "Pengalaman masa lalu")},

		{Text: "Bagaimana cara Anda mengelola stres?", Category: domain.CategoryPersonality,
			Options: likert("Berolahraga atau aktivitas fisik", "Meditasi atau relaksasi", "Berbicara dengan orang terdekat", "Fokus menyelesaikan sumber stres")},
		{Text: "Dalam berkomunikasi, saya lebih efektif dengan:", Category: domain.CategorySkills,
			Options: likert("Tulisan yang terstruktur", "Presentasi visual", "Diskusi langsung", "Demonstrasi praktik")},
		{Text: "Apa yang paling memotivasi Anda dalam bekerja?", Category: domain.CategoryInterest,
			Options: likert("Pencapaian dan pengakuan", "Pembelajaran dan pertumbuhan", "Stabilitas dan keamanan", "Dampak positif pada orang lain")},
		{Text: "Bagaimana Anda menghadapi perubahan?", Category: domain.CategoryPersonality,
			Options: likert("Dengan antusias dan cepat beradaptasi", "Dengan hati-hati setelah pertimbangan matang", "Dengan mencari dukungan dari orang lain", "Dengan fokus pada hal yang bisa dikontrol")},
		{Text: "Lingkungan kerja ideal untuk saya adalah:", Category: domain.CategoryInterest,
			Options: likert("Dinamis dengan banyak tantangan", "Terstruktur dan terorganisir", "Kolaboratif dan suportif", "Fleksibel dan mandiri")},
		{Text: "Kekuatan utama saya adalah:", Category: domain.CategoryTalent,
			Options: likert("Berpikir analitis dan kritis", "Kreativitas dan inovasi", "Empati dan komunikasi", "Organisasi dan eksekusi")},
		{Text: "Ketika belajar hal baru, saya lebih suka:", Category: domain.CategorySkills,
			Options: likert("Membaca dan meneliti sendiri", "Menonton video atau tutorial visual", "Diskusi dan belajar bersama", "Langsung praktik dan coba-coba")},
		{Text: "Apa yang membuat Anda merasa paling puas?", Category: domain.CategoryInterest,
			Options: likert("Menyelesaikan proyek yang menantang", "Menciptakan sesuatu yang unik", "Membantu orang lain sukses", "Mencapai target yang ditetapkan")},
		{Text: "Bagaimana Anda menangani konflik?", Category: domain.CategoryPersonality,
			Options: likert("Menghadapi langsung dengan tegas", "Mencari kompromi yang adil", "Menghindari dan memberi waktu", "Mencari mediator atau bantuan")},
		{Text: "Apa tujuan karir jangka panjang Anda?", Category: domain.CategoryInterest,
			Options: likert("Menjadi ahli di bidang tertentu", "Memimpin tim atau organisasi", "Memiliki bisnis sendiri", "Memberikan kontribusi sosial")},
	}
	for i := range qs {
		qs[i].ID = uuid.NewString()
		qs[i].Order = i + 1
	}
	return qs
}
